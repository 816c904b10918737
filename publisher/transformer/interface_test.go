package transformer

import (
	"testing"

	"github.com/civicworks/changefeed/publisher"
)

// TestTransformersImplementInterface verifies the publisher interfaces at compile time
func TestTransformersImplementInterface(t *testing.T) {
	var _ publisher.Transformer = (*EventTransformer)(nil)
	var _ publisher.Transformer = (*DebeziumTransformer)(nil)
	var _ publisher.Tombstoner = (*DebeziumTransformer)(nil)
}
