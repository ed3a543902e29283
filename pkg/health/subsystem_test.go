package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistryHealthyRequiresAllCheckersHealthy(t *testing.T) {
	ok := EventStoreChecker(func(ctx context.Context) error { return nil })
	bad := KeyStoreChecker(func(ctx context.Context) error { return errors.New("boom") })

	cfg := DefaultConfig()
	cfg.Retries = 1
	reg := NewRegistry(cfg, map[string]Checker{"es": ok, "ks": bad})

	reg.CheckAll(context.Background())
	assert.False(t, reg.Healthy())

	status, found := reg.Status("ks")
	assert.True(t, found)
	assert.False(t, status.Healthy)
}

func TestSchedulerCheckerFlagsStaleTick(t *testing.T) {
	last := time.Now().Add(-10 * time.Minute)
	checker := SchedulerChecker(func() time.Time { return last }, time.Minute)

	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, CheckTypeScheduler, checker.Type())
}
