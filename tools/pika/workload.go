package main

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/civicworks/changefeed/realtime"
)

// statuses cycle through rows so a filter like "status=eq.open" passes
// roughly a third of the traffic
var statuses = []string{"open", "pending", "closed"}

// KeyGenerator generates sequential row keys.
// Thread-safe: uses atomic operations, caller provides rng.
type KeyGenerator struct {
	prefix  string
	counter uint64
}

// NewKeyGenerator creates a key generator.
func NewKeyGenerator(prefix string) *KeyGenerator {
	return &KeyGenerator{prefix: prefix}
}

// NextInsertKey generates a key for a new row.
func (g *KeyGenerator) NextInsertKey() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s_%012d", g.prefix, n)
}

// RandomExistingKey returns a key that has already been inserted.
// rng must be provided by caller (each worker has its own rng).
func (g *KeyGenerator) RandomExistingKey(rng *rand.Rand) string {
	max := atomic.LoadUint64(&g.counter)
	if max == 0 {
		return g.NextInsertKey()
	}
	n := uint64(rng.Int63n(int64(max))) + 1
	return fmt.Sprintf("%s_%012d", g.prefix, n)
}

// OpSelector picks change kinds based on workload distribution.
type OpSelector struct {
	thresholds [3]int
	rng        *rand.Rand
}

// NewOpSelector creates an operation selector.
func NewOpSelector(dist WorkloadDistribution, seed int64) *OpSelector {
	s := &OpSelector{
		rng: rand.New(rand.NewSource(seed)),
	}

	s.thresholds[0] = dist.Insert
	s.thresholds[1] = s.thresholds[0] + dist.Update
	s.thresholds[2] = s.thresholds[1] + dist.Delete

	return s
}

// Select returns a random event type based on distribution.
func (s *OpSelector) Select() realtime.EventType {
	r := s.rng.Intn(100)

	if r < s.thresholds[0] {
		return realtime.EventInsert
	}
	if r < s.thresholds[1] {
		return realtime.EventUpdate
	}
	return realtime.EventDelete
}

// generateRow builds a row image for key.
func generateRow(rng *rand.Rand, key string, seq uint64) realtime.Record {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 64
	b := make([]byte, length)
	for i := range b {
		b[i] = chars[rng.Intn(len(chars))]
	}
	return realtime.Record{
		"id":      key,
		"status":  statuses[rng.Intn(len(statuses))],
		"seq":     float64(seq),
		"payload": string(b),
	}
}

// generateEvent builds a synthetic change of kind typ on table.
func generateEvent(rng *rand.Rand, keyGen *KeyGenerator, schema, table string, typ realtime.EventType, seq uint64) *realtime.ChangeEvent {
	ev := &realtime.ChangeEvent{
		Type:       typ,
		Schema:     schema,
		Table:      table,
		CommitTime: time.Now().UTC(),
	}

	switch typ {
	case realtime.EventInsert:
		ev.New = generateRow(rng, keyGen.NextInsertKey(), seq)
	case realtime.EventUpdate:
		key := keyGen.RandomExistingKey(rng)
		ev.Old = generateRow(rng, key, seq)
		ev.New = generateRow(rng, key, seq)
	case realtime.EventDelete:
		ev.Old = generateRow(rng, keyGen.RandomExistingKey(rng), seq)
	}
	return ev
}
