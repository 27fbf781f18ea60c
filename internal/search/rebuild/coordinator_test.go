package rebuild

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frenzywall/changehist/internal/history"
	"github.com/frenzywall/changehist/pkg/config"
	pkgerrors "github.com/frenzywall/changehist/pkg/errors"
	"github.com/frenzywall/changehist/pkg/metrics"
	pkgredis "github.com/frenzywall/changehist/pkg/redis"
)

const leaseTTL = 10 * time.Minute

type countingCache struct {
	mu      sync.Mutex
	cleared int
}

func (c *countingCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
	return nil
}

func (c *countingCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared
}

func newTestCoordinator(t *testing.T, build BuildFunc) (*Coordinator, *countingCache, *pkgredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	cc := &countingCache{}
	return New(client, history.NewKeys(), leaseTTL, build, cc, m), cc, client, mr
}

func TestRunOnceBuildsAndClearsCache(t *testing.T) {
	var builds atomic.Int32
	c, cc, client, _ := newTestCoordinator(t, func(context.Context) error {
		builds.Add(1)
		return nil
	})
	ctx := context.Background()

	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if builds.Load() != 1 {
		t.Errorf("expected 1 build, got %d", builds.Load())
	}
	if cc.count() != 1 {
		t.Errorf("expected cache cleared once, got %d", cc.count())
	}

	held, err := client.Exists(ctx, history.NewKeys().RebuildLease())
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if held {
		t.Error("lease still held after a completed rebuild")
	}
}

func TestConcurrentRunsCollapseToOne(t *testing.T) {
	var builds atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	c, _, _, _ := newTestCoordinator(t, func(context.Context) error {
		builds.Add(1)
		close(started)
		<-release
		return nil
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.RunOnce(ctx) }()
	<-started

	// A second attempt while the first holds the process lock is a no-op.
	if err := c.RunOnce(ctx); !errors.Is(err, pkgerrors.ErrRebuildInProgress) {
		t.Errorf("expected ErrRebuildInProgress, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunOnce failed: %v", err)
	}
	if builds.Load() != 1 {
		t.Errorf("expected exactly 1 build, got %d", builds.Load())
	}
}

func TestLeaseHeldElsewhereSkipsBuild(t *testing.T) {
	var builds atomic.Int32
	c, _, client, _ := newTestCoordinator(t, func(context.Context) error {
		builds.Add(1)
		return nil
	})
	ctx := context.Background()

	// Simulate a sibling process holding the lease.
	acquired, err := client.SetNX(ctx, history.NewKeys().RebuildLease(), "1", leaseTTL)
	if err != nil || !acquired {
		t.Fatalf("failed to plant lease: acquired=%v err=%v", acquired, err)
	}

	if err := c.RunOnce(ctx); !errors.Is(err, pkgerrors.ErrRebuildInProgress) {
		t.Fatalf("expected ErrRebuildInProgress, got %v", err)
	}
	if builds.Load() != 0 {
		t.Errorf("build ran despite a foreign lease")
	}

	inProgress, err := c.InProgress(ctx)
	if err != nil {
		t.Fatalf("InProgress failed: %v", err)
	}
	if !inProgress {
		t.Error("InProgress should report the foreign lease")
	}
}

func TestStaleLeaseExpiresByTTL(t *testing.T) {
	var builds atomic.Int32
	c, _, client, mr := newTestCoordinator(t, func(context.Context) error {
		builds.Add(1)
		return nil
	})
	ctx := context.Background()

	// A crashed worker leaves its lease behind; the TTL reclaims it.
	if _, err := client.SetNX(ctx, history.NewKeys().RebuildLease(), "1", leaseTTL); err != nil {
		t.Fatalf("failed to plant lease: %v", err)
	}
	mr.FastForward(leaseTTL + time.Second)

	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce after lease expiry failed: %v", err)
	}
	if builds.Load() != 1 {
		t.Errorf("expected a build once the stale lease expired, got %d", builds.Load())
	}
}

func TestLeaseReleasedOnBuildFailure(t *testing.T) {
	buildErr := errors.New("boom")
	c, cc, client, _ := newTestCoordinator(t, func(context.Context) error {
		return buildErr
	})
	ctx := context.Background()

	if err := c.RunOnce(ctx); !errors.Is(err, buildErr) {
		t.Fatalf("expected build error, got %v", err)
	}
	held, err := client.Exists(ctx, history.NewKeys().RebuildLease())
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if held {
		t.Error("lease not released after a failed build")
	}
	if cc.count() != 0 {
		t.Error("cache cleared despite a failed build")
	}
}

func TestRequestsCoalesceThroughWorker(t *testing.T) {
	var builds atomic.Int32
	release := make(chan struct{})
	firstStarted := make(chan struct{}, 1)
	c, _, _, _ := newTestCoordinator(t, func(context.Context) error {
		builds.Add(1)
		select {
		case firstStarted <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	c.Request()
	<-firstStarted
	// While the first build runs, many requests collapse into at most one
	// pending trigger.
	for i := 0; i < 10; i++ {
		c.Request()
	}
	close(release)

	deadline := time.After(2 * time.Second)
	for builds.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected a second build for the coalesced requests, got %d", builds.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := builds.Load(); got != 2 {
		t.Errorf("expected exactly 2 builds, got %d", got)
	}
}
