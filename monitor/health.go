package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a single health check
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// OverallHealth represents the overall system health
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// HealthRegistry manages health checks
type HealthRegistry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{checkers: make(map[string]Checker)}
}

// Register adds a health checker
func (r *HealthRegistry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a health checker
func (r *HealthRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// CheckAll runs every registered check. Overall status is the worst
// individual status: any unhealthy check makes the system unhealthy, any
// degraded one makes it degraded.
func (r *HealthRegistry) CheckAll(ctx context.Context) OverallHealth {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	started := time.Now()
	overall := OverallHealth{
		Status:    StatusHealthy,
		Timestamp: started,
		Checks:    make(map[string]CheckResult, len(checkers)),
	}

	for _, checker := range checkers {
		checkStart := time.Now()
		result := checker.Check(ctx)
		result.Name = checker.Name()
		result.Duration = time.Since(checkStart)
		result.Timestamp = checkStart
		overall.Checks[result.Name] = result

		switch result.Status {
		case StatusUnhealthy:
			overall.Status = StatusUnhealthy
		case StatusDegraded:
			if overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
			}
		}
	}

	overall.Duration = time.Since(started)
	return overall
}

// Handler returns an HTTP handler serving the health report. Unhealthy maps
// to 503 so load balancers can act on it.
func (r *HealthRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		health := r.CheckAll(req.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}

// QueueDepthChecker degrades when any queue's pending depth crosses the warn
// threshold and goes unhealthy past the critical one.
type QueueDepthChecker struct {
	inspector *Inspector
	warn      int
	critical  int
}

// NewQueueDepthChecker creates a checker with the given thresholds.
func NewQueueDepthChecker(inspector *Inspector, warn, critical int) *QueueDepthChecker {
	return &QueueDepthChecker{inspector: inspector, warn: warn, critical: critical}
}

func (c *QueueDepthChecker) Name() string { return "queue-depth" }

func (c *QueueDepthChecker) Check(ctx context.Context) CheckResult {
	infos, err := c.inspector.ListQueues()
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}

	status := StatusHealthy
	var worst *QueueInfo
	for _, info := range infos {
		if info.Pending >= c.critical {
			status = StatusUnhealthy
			worst = info
			break
		}
		if info.Pending >= c.warn && status == StatusHealthy {
			status = StatusDegraded
			worst = info
		}
	}

	result := CheckResult{Status: status}
	if worst != nil {
		result.Message = fmt.Sprintf("queue %s has %d pending messages", worst.Name, worst.Pending)
	}
	return result
}

// RedisChecker pings the correlation store.
type RedisChecker struct {
	rdb redis.UniversalClient
}

// NewRedisChecker creates a checker over the Redis client.
func NewRedisChecker(rdb redis.UniversalClient) *RedisChecker {
	return &RedisChecker{rdb: rdb}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Status: StatusDegraded,
			Error:  err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy}
}
