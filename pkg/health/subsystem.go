package health

import (
	"context"
	"fmt"
	"time"
)

// PingFunc performs a cheap liveness probe of a subsystem, returning an
// error describing why it is unhealthy.
type PingFunc func(ctx context.Context) error

// FuncChecker adapts a PingFunc to the Checker interface.
type FuncChecker struct {
	CheckKind CheckType
	Ping      PingFunc
}

func (f *FuncChecker) Type() CheckType { return f.CheckKind }

func (f *FuncChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := f.Ping(ctx)
	result := Result{CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		result.Healthy = false
		result.Message = err.Error()
		return result
	}
	result.Healthy = true
	result.Message = "ok"
	return result
}

// EventStoreChecker reports whether the event store answers its
// liveness ping.
func EventStoreChecker(ping func(ctx context.Context) error) Checker {
	return &FuncChecker{CheckKind: CheckTypeEventStore, Ping: ping}
}

// KeyStoreChecker reports whether the key store backend is reachable.
func KeyStoreChecker(ping func(ctx context.Context) error) Checker {
	return &FuncChecker{CheckKind: CheckTypeKeyStore, Ping: ping}
}

// SchedulerChecker reports whether the scheduler has ticked recently.
// A daemon whose scheduler goroutine has wedged will still answer
// queries but will silently stop republishing MFT/CRL and re-requesting
// parent entitlements — this check surfaces that before an RPKI object
// expires.
func SchedulerChecker(lastTick func() time.Time, maxAge time.Duration) Checker {
	return &FuncChecker{
		CheckKind: CheckTypeScheduler,
		Ping: func(ctx context.Context) error {
			age := time.Since(lastTick())
			if age > maxAge {
				return fmt.Errorf("scheduler has not ticked in %s (max %s)", age, maxAge)
			}
			return nil
		},
	}
}

// Registry aggregates named Checkers for the admin API's health
// endpoint, tracking a Status per checker across calls.
type Registry struct {
	checkers map[string]Checker
	statuses map[string]*Status
	config   Config
}

// NewRegistry creates a Registry with the given checkers and config.
func NewRegistry(config Config, checkers map[string]Checker) *Registry {
	statuses := make(map[string]*Status, len(checkers))
	for name := range checkers {
		statuses[name] = NewStatus()
	}
	return &Registry{checkers: checkers, statuses: statuses, config: config}
}

// CheckAll runs every registered checker once, updating each one's
// Status, and returns the per-name results.
func (r *Registry) CheckAll(ctx context.Context) map[string]Result {
	out := make(map[string]Result, len(r.checkers))
	for name, checker := range r.checkers {
		result := checker.Check(ctx)
		r.statuses[name].Update(result, r.config)
		out[name] = result
	}
	return out
}

// Healthy reports whether every registered subsystem is currently
// healthy.
func (r *Registry) Healthy() bool {
	for _, status := range r.statuses {
		if !status.Healthy {
			return false
		}
	}
	return true
}

// Status returns the last known Status for a named checker.
func (r *Registry) Status(name string) (*Status, bool) {
	s, ok := r.statuses[name]
	return s, ok
}
