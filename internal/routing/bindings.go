package routing

import (
	"sort"
	"sync"
)

// Binding associates a topic pattern with a queue on an exchange.
type Binding struct {
	Exchange string `json:"exchange"`
	Pattern  string `json:"pattern"`
	Queue    string `json:"queue"`
}

// Table is the in-memory binding table. Bind is idempotent and Resolve
// deduplicates, so a queue bound through two overlapping patterns still
// receives a single copy of a matching message. Safe for concurrent use.
//
// Resolve memoizes results per exact routing key, since routing keys repeat
// heavily in practice. The cache is bounded and dropped wholesale whenever
// the exchange's bindings change.
type Table struct {
	mu        sync.RWMutex
	bindings  map[string]map[Binding]struct{} // exchange -> binding set
	cache     map[string]map[string][]string  // exchange -> routing key -> queues
	cacheSize int

	// gen is bumped on every topology change. A resolve result computed
	// against an older generation must not enter the cache: the store path
	// runs outside the read lock, and a bind/unbind landing in that window
	// would otherwise be masked by the stale entry until the next change.
	gen uint64
}

// TableOption configures the binding table
type TableOption func(*Table)

// WithCacheSize bounds the per-exchange resolve cache. Zero disables caching.
func WithCacheSize(size int) TableOption {
	return func(t *Table) {
		t.cacheSize = size
	}
}

// NewTable creates an empty binding table.
func NewTable(options ...TableOption) *Table {
	t := &Table{
		bindings:  make(map[string]map[Binding]struct{}),
		cache:     make(map[string]map[string][]string),
		cacheSize: 1024,
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Bind adds a (pattern, queue) binding on the exchange. Binding the same
// triple twice is a no-op. Returns true if the binding was newly added.
func (t *Table) Bind(exchange, pattern, queue string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.bindings[exchange]
	if !ok {
		set = make(map[Binding]struct{})
		t.bindings[exchange] = set
	}

	b := Binding{Exchange: exchange, Pattern: pattern, Queue: queue}
	if _, exists := set[b]; exists {
		return false
	}

	set[b] = struct{}{}
	delete(t.cache, exchange)
	t.gen++
	return true
}

// Unbind removes a binding. Returns true if the binding existed.
func (t *Table) Unbind(exchange, pattern, queue string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.bindings[exchange]
	if !ok {
		return false
	}

	b := Binding{Exchange: exchange, Pattern: pattern, Queue: queue}
	if _, exists := set[b]; !exists {
		return false
	}

	delete(set, b)
	if len(set) == 0 {
		delete(t.bindings, exchange)
	}
	delete(t.cache, exchange)
	t.gen++
	return true
}

// UnbindQueue removes every binding for the queue across all exchanges,
// used when a queue is deleted. Returns the number of bindings removed.
func (t *Table) UnbindQueue(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for exchange, set := range t.bindings {
		for b := range set {
			if b.Queue == queue {
				delete(set, b)
				removed++
				delete(t.cache, exchange)
			}
		}
		if len(set) == 0 {
			delete(t.bindings, exchange)
		}
	}
	if removed > 0 {
		t.gen++
	}
	return removed
}

// Resolve returns the deduplicated, sorted set of queues whose patterns match
// the routing key on the exchange.
func (t *Table) Resolve(exchange, routingKey string) []string {
	t.mu.RLock()
	if keys, ok := t.cache[exchange]; ok {
		if queues, hit := keys[routingKey]; hit {
			t.mu.RUnlock()
			return queues
		}
	}
	gen := t.gen
	set := t.bindings[exchange]

	matched := make(map[string]struct{})
	for b := range set {
		if Matches(b.Pattern, routingKey) {
			matched[b.Queue] = struct{}{}
		}
	}
	t.mu.RUnlock()

	queues := make([]string, 0, len(matched))
	for q := range matched {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	t.storeCached(exchange, routingKey, queues, gen)
	return queues
}

// storeCached enters a resolve result into the cache, unless the topology
// changed since the result was computed.
func (t *Table) storeCached(exchange, routingKey string, queues []string, gen uint64) {
	if t.cacheSize <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen {
		return
	}

	keys, ok := t.cache[exchange]
	if !ok {
		keys = make(map[string][]string)
		t.cache[exchange] = keys
	}
	if len(keys) >= t.cacheSize {
		// Full: drop the whole exchange cache rather than track recency.
		keys = make(map[string][]string)
		t.cache[exchange] = keys
	}
	keys[routingKey] = queues
}

// Bindings returns the exchange's bindings sorted by pattern then queue.
func (t *Table) Bindings(exchange string) []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.bindings[exchange]
	out := make([]Binding, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sortBindings(out)
	return out
}

// Snapshot returns every binding in the table, for durability snapshots.
func (t *Table) Snapshot() []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Binding
	for _, set := range t.bindings {
		for b := range set {
			out = append(out, b)
		}
	}
	sortBindings(out)
	return out
}

// Restore replaces the table contents with the given bindings.
func (t *Table) Restore(bindings []Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bindings = make(map[string]map[Binding]struct{})
	t.cache = make(map[string]map[string][]string)
	t.gen++
	for _, b := range bindings {
		set, ok := t.bindings[b.Exchange]
		if !ok {
			set = make(map[Binding]struct{})
			t.bindings[b.Exchange] = set
		}
		set[b] = struct{}{}
	}
}

func sortBindings(bindings []Binding) {
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Exchange != bindings[j].Exchange {
			return bindings[i].Exchange < bindings[j].Exchange
		}
		if bindings[i].Pattern != bindings[j].Pattern {
			return bindings[i].Pattern < bindings[j].Pattern
		}
		return bindings[i].Queue < bindings[j].Queue
	})
}
