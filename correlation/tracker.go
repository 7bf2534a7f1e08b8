// Package correlation tracks causation chains between published events in
// Redis: which events caused which, with a bounded retention. It also
// generates deterministic event IDs so producers can publish idempotently
// and consumers can dedupe.
package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyForwardPrefix = "topicbus:correlation:forward:" // child -> parents
	keyReversePrefix = "topicbus:correlation:reverse:" // parent -> children set

	defaultNamespace = "topicbus"
	defaultTTL       = 30 * 24 * time.Hour
	defaultMaxDepth  = 100
)

// Direction selects which way Chain walks the correlation graph.
type Direction int

const (
	// Ancestors walks parent links: what caused this event.
	Ancestors Direction = iota
	// Descendants walks child links: what this event caused.
	Descendants
)

// record is the forward-mapping value stored per child event.
type record struct {
	ParentEventIDs []string          `json:"parent_event_ids"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Tracker records parent/child relationships between event IDs in Redis.
// Tracking is best-effort operational metadata: Redis being down must never
// block a publish, so callers typically log Add errors and move on.
type Tracker struct {
	rdb       redis.UniversalClient
	namespace string
	ttl       time.Duration
	maxDepth  int
	logger    *slog.Logger
}

// TrackerOption configures the tracker
type TrackerOption func(*Tracker)

// WithNamespace sets the namespace mixed into deterministic event IDs.
func WithNamespace(ns string) TrackerOption {
	return func(t *Tracker) {
		t.namespace = ns
	}
}

// WithTTL sets how long correlation records are kept.
func WithTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.ttl = ttl
	}
}

// WithMaxDepth bounds Chain traversal.
func WithMaxDepth(depth int) TrackerOption {
	return func(t *Tracker) {
		t.maxDepth = depth
	}
}

// WithTrackerLogger sets the logger
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a tracker over an existing Redis client and verifies
// connectivity.
func NewTracker(ctx context.Context, rdb redis.UniversalClient, options ...TrackerOption) (*Tracker, error) {
	t := &Tracker{
		rdb:       rdb,
		namespace: defaultNamespace,
		ttl:       defaultTTL,
		maxDepth:  defaultMaxDepth,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return t, nil
}

// EventID derives a deterministic UUID from the event type and a unique key.
// The same inputs always yield the same ID, which is what makes retried
// publishes dedupable downstream.
func (t *Tracker) EventID(eventType, uniqueKey string) string {
	name := fmt.Sprintf("%s:%s:%s", t.namespace, eventType, uniqueKey)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Add records that the child event was caused by the given parent events.
// Both the forward mapping (child to parents) and the reverse sets (each
// parent to its children) are written in one pipeline, all with the
// configured TTL.
func (t *Tracker) Add(ctx context.Context, childEventID string, parentEventIDs []string, metadata map[string]string) error {
	rec := record{
		ParentEventIDs: parentEventIDs,
		CreatedAt:      time.Now().UTC(),
		Metadata:       metadata,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode correlation record: %w", err)
	}

	pipe := t.rdb.TxPipeline()
	pipe.Set(ctx, keyForwardPrefix+childEventID, data, t.ttl)
	for _, parentID := range parentEventIDs {
		key := keyReversePrefix + parentID
		pipe.SAdd(ctx, key, childEventID)
		pipe.Expire(ctx, key, t.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record correlation for %s: %w", childEventID, err)
	}
	return nil
}

// Parents returns the immediate parent event IDs, empty if none are known.
func (t *Tracker) Parents(ctx context.Context, eventID string) ([]string, error) {
	data, err := t.rdb.Get(ctx, keyForwardPrefix+eventID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parents for %s: %w", eventID, err)
	}

	var rec record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode correlation record for %s: %w", eventID, err)
	}
	return rec.ParentEventIDs, nil
}

// Children returns the immediate child event IDs, empty if none are known.
func (t *Tracker) Children(ctx context.Context, eventID string) ([]string, error) {
	children, err := t.rdb.SMembers(ctx, keyReversePrefix+eventID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get children for %s: %w", eventID, err)
	}
	return children, nil
}

// Chain walks the correlation graph breadth-first from the event and returns
// every reachable ancestor or descendant, nearest first. Traversal stops at
// the configured max depth; cycles are skipped via a visited set.
func (t *Tracker) Chain(ctx context.Context, eventID string, direction Direction) ([]string, error) {
	next := func(id string) ([]string, error) {
		if direction == Ancestors {
			return t.Parents(ctx, id)
		}
		return t.Children(ctx, id)
	}

	visited := map[string]bool{eventID: true}
	var chain []string
	frontier := []string{eventID}

	for depth := 0; depth < t.maxDepth && len(frontier) > 0; depth++ {
		var nextFrontier []string
		for _, id := range frontier {
			related, err := next(id)
			if err != nil {
				return chain, err
			}
			for _, rel := range related {
				if visited[rel] {
					continue
				}
				visited[rel] = true
				chain = append(chain, rel)
				nextFrontier = append(nextFrontier, rel)
			}
		}
		frontier = nextFrontier
	}
	return chain, nil
}

// Annotate attaches correlation info for a message about to be published:
// returns headers carrying the parent IDs so consumers can follow the chain
// without a Redis round trip, and records the link in Redis. Redis failures
// are logged, not returned; the headers are still produced.
func (t *Tracker) Annotate(ctx context.Context, childEventID string, parentEventIDs []string) map[string]string {
	headers := make(map[string]string, 1)
	if len(parentEventIDs) > 0 {
		packed, _ := json.Marshal(parentEventIDs)
		headers["x-parent-events"] = string(packed)
	}

	if err := t.Add(ctx, childEventID, parentEventIDs, nil); err != nil {
		t.logger.Error("correlation tracking failed",
			"eventId", childEventID,
			"error", err,
		)
	}
	return headers
}
