package encoding

import (
	"bytes"
	"sync"
	"testing"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"int64", int64(9876543210)},
		{"float64", 3.14159},
		{"bool", true},
		{"record", map[string]interface{}{"id": 7, "title": "Site plan"}},
		{"nested", map[string]interface{}{
			"owner": map[string]interface{}{
				"id":   123,
				"name": "bob",
			},
			"tags": []string{"a", "b", "c"},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}
		})
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	numGoroutines := 50
	iterations := 200

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				row := map[string]interface{}{
					"goroutine": id,
					"iteration": j,
					"status":    "open",
				}
				result, err := Marshal(row)
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				if len(result) == 0 {
					t.Error("Expected non-empty result")
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestUnmarshal_RecordValuesAreStrings(t *testing.T) {
	original := map[string]interface{}{
		"id":      "doc_000000013049",
		"payload": []byte("raw"),
		"count":   int64(12345),
	}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	m, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map[string]interface{}, got %T", result)
	}
	if v, ok := m["id"].(string); !ok || v != "doc_000000013049" {
		t.Errorf("id: got %T %v", m["id"], m["id"])
	}
	// Loose decoding turns bin into string
	if v, ok := m["payload"].(string); !ok || v != "raw" {
		t.Errorf("payload: got %T %v", m["payload"], m["payload"])
	}
	if v, ok := m["count"].(int64); !ok || v != 12345 {
		t.Errorf("count: got %T %v", m["count"], m["count"])
	}
}

func TestMarshal_SortedMapKeys(t *testing.T) {
	row := map[string]interface{}{
		"title":  "Site plan",
		"id":     int64(7),
		"status": "open",
		"area":   "north",
	}
	first, err := Marshal(row)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(row)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding %d differs from the first", i)
		}
	}

	// fixmap of 4, then fixstr "area" as the first key
	if first[0] != 0x84 || first[1] != 0xa4 || string(first[2:6]) != "area" {
		t.Errorf("expected keys in sorted order, got % x", first[:6])
	}
}
