package id

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerate_Prefix(t *testing.T) {
	v, err := Generate("cf-")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.HasPrefix(v, "cf-") {
		t.Errorf("expected prefix cf-, got %s", v)
	}
	if len(v) != len("cf-")+Length {
		t.Errorf("expected length %d, got %d", len("cf-")+Length, len(v))
	}
	for _, c := range strings.TrimPrefix(v, "cf-") {
		if !strings.ContainsRune(Alphabet, c) {
			t.Errorf("unexpected character %q in %s", c, v)
		}
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	const numGoroutines = 8
	const perGoroutine = 500

	var mu sync.Mutex
	seen := make(map[string]bool, numGoroutines*perGoroutine)

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				v := MustGenerate("")
				mu.Lock()
				if seen[v] {
					mu.Unlock()
					t.Errorf("duplicate ID generated: %s", v)
					return
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
