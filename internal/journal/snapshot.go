package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/channelmesh/topicbus/internal/routing"
)

// Snapshot captures the broker topology: declared exchanges and queues plus
// the binding table. Message contents live in the per-queue journals; the
// snapshot is what lets a restarted broker re-declare everything first.
type Snapshot struct {
	SavedAt   time.Time         `json:"savedAt"`
	Exchanges []ExchangeRecord  `json:"exchanges"`
	Queues    []QueueRecord     `json:"queues"`
	Bindings  []routing.Binding `json:"bindings"`
}

// ExchangeRecord is a declared exchange in the snapshot.
type ExchangeRecord struct {
	Name    string `json:"name"`
	Durable bool   `json:"durable"`
}

// QueueRecord is a declared queue in the snapshot.
type QueueRecord struct {
	Name          string `json:"name"`
	Durable       bool   `json:"durable"`
	TTLMillis     int64  `json:"ttlMillis,omitempty"`
	MaxLength     int    `json:"maxLength,omitempty"`
	RejectNew     bool   `json:"rejectNew,omitempty"`
	DeadLetterTo  string `json:"deadLetterTo,omitempty"`
	MaxDeliveries int    `json:"maxDeliveries,omitempty"`
}

const snapshotFile = "topology.json"

// SaveSnapshot atomically writes the topology snapshot under dir.
func SaveSnapshot(dir string, s *Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	s.SavedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	path := filepath.Join(dir, snapshotFile)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to swap snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the topology snapshot from dir. A missing file yields
// an empty snapshot, not an error.
func LoadSnapshot(dir string) (*Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if os.IsNotExist(err) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}
