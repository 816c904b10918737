package main

import (
	"fmt"

	"github.com/civicworks/changefeed/cfg"
	"github.com/civicworks/changefeed/encoding"
	"github.com/civicworks/changefeed/notify"
	"github.com/civicworks/changefeed/publisher"
	"github.com/civicworks/changefeed/publisher/sink"
	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/transport/natsbus"
)

// Emitter produces change events into the transport under test.
type Emitter interface {
	Emit(ev *realtime.ChangeEvent) error
	Close() error
}

// Bench bundles the producing and consuming sides of one transport.
type Bench struct {
	Transport realtime.Transport
	Emitter   Emitter
	closers   []func() error
}

// NewBench wires the transport selected by config.
func NewBench(config *Config) (*Bench, error) {
	switch config.Transport {
	case "memory":
		hub := notify.NewHub()
		return &Bench{
			Transport: hub,
			Emitter:   hubEmitter{hub: hub},
			closers:   []func() error{hub.Close},
		}, nil

	case "nats":
		tr, err := natsbus.Connect(cfg.NATSConfiguration{URL: config.NatsURL, SubjectPrefix: config.Prefix})
		if err != nil {
			return nil, err
		}
		s, err := sink.NewNatsSink(config.NatsURL, config.Prefix, false)
		if err != nil {
			tr.Close()
			return nil, err
		}
		em := &sinkEmitter{sink: s, format: config.format}
		return &Bench{
			Transport: tr,
			Emitter:   em,
			closers:   []func() error{em.Close, tr.Close},
		}, nil
	}
	return nil, fmt.Errorf("unknown transport: %s", config.Transport)
}

// Close releases the emitter and the transport.
func (b *Bench) Close() error {
	var lastErr error
	for _, c := range b.closers {
		if err := c(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

type hubEmitter struct {
	hub *notify.Hub
}

func (e hubEmitter) Emit(ev *realtime.ChangeEvent) error {
	e.hub.Emit(ev)
	return nil
}

func (e hubEmitter) Close() error { return nil }

// sinkEmitter publishes through a relay sink so the transport receives
// exactly what a relaying changefeed would send.
type sinkEmitter struct {
	sink   publisher.Sink
	format encoding.Format
}

func (e *sinkEmitter) Emit(ev *realtime.ChangeEvent) error {
	payload, err := encoding.EncodeEvent(ev, e.format)
	if err != nil {
		return err
	}
	return e.sink.Publish(publisher.Message{
		Schema:  ev.Schema,
		Table:   ev.Table,
		Type:    ev.Type,
		Key:     fmt.Sprint(ev.Row()["id"]),
		Value:   payload,
		Headers: e.format.Headers(),
	})
}

func (e *sinkEmitter) Close() error {
	return e.sink.Close()
}
