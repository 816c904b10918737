package feed

import "github.com/civicworks/changefeed/realtime"

// InsertOptions configures InsertsOnly
type InsertOptions struct {
	Disabled    bool
	Schema      string
	Filter      string
	OnInsert    Handler
	Invalidates []string
}

// UpdateOptions configures UpdatesOnly
type UpdateOptions struct {
	Disabled    bool
	Schema      string
	Filter      string
	OnUpdate    Handler
	Invalidates []string
}

// DeleteOptions configures DeletesOnly
type DeleteOptions struct {
	Disabled    bool
	Schema      string
	Filter      string
	OnDelete    Handler
	Invalidates []string
}

// InsertsOnly is Use restricted to INSERT events
func (f *Feed) InsertsOnly(table string, opts InsertOptions) State {
	return f.Use(table, Options{
		Disabled:    opts.Disabled,
		Schema:      opts.Schema,
		Event:       realtime.EventInsert,
		Filter:      opts.Filter,
		OnInsert:    opts.OnInsert,
		Invalidates: opts.Invalidates,
	})
}

// UpdatesOnly is Use restricted to UPDATE events
func (f *Feed) UpdatesOnly(table string, opts UpdateOptions) State {
	return f.Use(table, Options{
		Disabled:    opts.Disabled,
		Schema:      opts.Schema,
		Event:       realtime.EventUpdate,
		Filter:      opts.Filter,
		OnUpdate:    opts.OnUpdate,
		Invalidates: opts.Invalidates,
	})
}

// DeletesOnly is Use restricted to DELETE events
func (f *Feed) DeletesOnly(table string, opts DeleteOptions) State {
	return f.Use(table, Options{
		Disabled:    opts.Disabled,
		Schema:      opts.Schema,
		Event:       realtime.EventDelete,
		Filter:      opts.Filter,
		OnDelete:    opts.OnDelete,
		Invalidates: opts.Invalidates,
	})
}
