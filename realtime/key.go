package realtime

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key canonically identifies one transport channel:
// "schema:table:event" with ":filter" appended when a row filter is set.
type Key string

// DeriveKey computes the key for a subscription. It is a pure function of
// its inputs after defaults are applied, so an omitted schema and "public"
// (or an omitted filter and "") produce the same key.
func DeriveKey(table string, opts Options) Key {
	opts = opts.WithDefaults()

	var b strings.Builder
	b.Grow(len(opts.Schema) + len(table) + len(opts.Event) + len(opts.Filter) + 3)
	b.WriteString(opts.Schema)
	b.WriteByte(':')
	b.WriteString(table)
	b.WriteByte(':')
	b.WriteString(string(opts.Event))
	if opts.Filter != "" {
		b.WriteByte(':')
		b.WriteString(opts.Filter)
	}
	return Key(b.String())
}

func (k Key) String() string {
	return string(k)
}

// Hash returns a stable 64-bit digest of the key, suitable for naming
// transport-side resources (consumer groups, listen channels).
func (k Key) Hash() uint64 {
	return xxhash.Sum64String(string(k))
}

// validateIdentifier rejects names that would make key derivation ambiguous
func validateIdentifier(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidTable, kind)
	}
	if strings.ContainsAny(name, ": \t\n") {
		return fmt.Errorf("%w: %s %q contains a separator", ErrInvalidTable, kind, name)
	}
	return nil
}
