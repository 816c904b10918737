package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/civicworks/changefeed/encoding"
)

type Config struct {
	// Transport
	Transport string
	NatsURL   string
	Prefix    string
	Format    string

	// Fan-out shape
	Schema      string
	Tables      string
	Subscribers int
	Filter      string

	// Run options
	Workload string
	Events   int
	Duration time.Duration
	Threads  int

	// Workload percentages (-1 means use workload default)
	InsertPct int
	UpdatePct int
	DeletePct int

	// Delivery check
	Verify        bool
	SettleTimeout time.Duration

	// Derived
	tableList []string
	format    encoding.Format
}

func (c *Config) Validate() error {
	switch c.Transport {
	case "memory":
	case "nats":
		if c.NatsURL == "" {
			return fmt.Errorf("nats-url cannot be empty for the nats transport")
		}
	case "":
		c.Transport = "memory"
	default:
		return fmt.Errorf("invalid transport: %s (must be memory|nats)", c.Transport)
	}

	c.tableList = c.tableList[:0]
	for _, t := range strings.Split(c.Tables, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			return fmt.Errorf("empty table in list")
		}
		c.tableList = append(c.tableList, t)
	}

	if c.Subscribers < 1 {
		return fmt.Errorf("subscribers must be at least 1")
	}

	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}

	if c.Events < 0 {
		return fmt.Errorf("events must be non-negative")
	}

	format, err := encoding.ParseFormat(c.Format)
	if err != nil {
		return err
	}
	c.format = format

	switch c.Workload {
	case "mixed", "insert-only", "update-heavy":
		// valid
	case "":
		c.Workload = "mixed"
	default:
		return fmt.Errorf("invalid workload: %s (must be mixed|insert-only|update-heavy)", c.Workload)
	}

	return c.GetWorkloadDistribution().Validate()
}

func (c *Config) TableList() []string {
	return c.tableList
}

func (c *Config) GetWorkloadDistribution() WorkloadDistribution {
	var dist WorkloadDistribution

	switch c.Workload {
	case "mixed", "":
		dist = WorkloadDistribution{Insert: 50, Update: 40, Delete: 10}
	case "insert-only":
		dist = WorkloadDistribution{Insert: 100}
	case "update-heavy":
		dist = WorkloadDistribution{Insert: 15, Update: 80, Delete: 5}
	}

	if c.InsertPct >= 0 {
		dist.Insert = c.InsertPct
	}
	if c.UpdatePct >= 0 {
		dist.Update = c.UpdatePct
	}
	if c.DeletePct >= 0 {
		dist.Delete = c.DeletePct
	}

	return dist
}

type WorkloadDistribution struct {
	Insert int
	Update int
	Delete int
}

func (w WorkloadDistribution) Total() int {
	return w.Insert + w.Update + w.Delete
}

func (w WorkloadDistribution) Validate() error {
	total := w.Total()
	if total != 100 {
		return fmt.Errorf("workload percentages must sum to 100, got %d", total)
	}
	return nil
}
