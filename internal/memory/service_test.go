package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/pmframework/internal/breaker"
	"github.com/dativo-io/pmframework/internal/memory"
	"github.com/dativo-io/pmframework/internal/memory/inmem"
)

var errDown = errors.New("backend down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T, cfg memory.ServiceConfig, opts ...breaker.Option) (*memory.Service, *inmem.Store, *inmem.Store) {
	t.Helper()
	primary := inmem.New("primary")
	secondary := inmem.New("secondary")
	if cfg.FallbackChain == nil {
		cfg.FallbackChain = []string{"primary", "secondary"}
	}
	svc := memory.NewService(cfg, []memory.Backend{primary, secondary}, opts...)
	return svc, primary, secondary
}

func TestInitialize_SelectsFirstHealthy(t *testing.T) {
	svc, _, _ := newService(t, memory.ServiceConfig{})
	require.NoError(t, svc.Initialize(context.Background()))
	assert.Equal(t, "primary", svc.ActiveBackend())
	assert.Zero(t, svc.Metrics().BackendSwitches)
}

func TestInitialize_SkipsUnhealthyPrimary(t *testing.T) {
	svc, primary, _ := newService(t, memory.ServiceConfig{})
	primary.FailWith(errDown)

	require.NoError(t, svc.Initialize(context.Background()))
	assert.Equal(t, "secondary", svc.ActiveBackend())
	m := svc.Metrics()
	assert.Equal(t, int64(1), m.BackendSwitches)
	require.Len(t, m.Switches, 1)
	assert.Equal(t, "secondary", m.Switches[0].To)
}

func TestInitialize_NoBackendAvailable(t *testing.T) {
	svc, primary, secondary := newService(t, memory.ServiceConfig{})
	primary.FailWith(errDown)
	secondary.FailWith(errDown)

	err := svc.Initialize(context.Background())
	assert.ErrorIs(t, err, memory.ErrNoBackendAvailable)
	assert.ErrorIs(t, err, errDown)
}

func TestInitialize_ChainIgnoresUnregistered(t *testing.T) {
	svc, _, _ := newService(t, memory.ServiceConfig{FallbackChain: []string{"mem0ai", "secondary", "primary"}})
	require.NoError(t, svc.Initialize(context.Background()))
	assert.Equal(t, "secondary", svc.ActiveBackend())
	assert.Equal(t, []string{"secondary", "primary"}, svc.BackendNames())
}

func TestOperations_RequireInitialize(t *testing.T) {
	svc, _, _ := newService(t, memory.ServiceConfig{})
	_, err := svc.AddMemory(context.Background(), "p", "x", "", nil, nil)
	assert.ErrorIs(t, err, memory.ErrNotInitialized)
	_, err = svc.SearchMemories(context.Background(), "p", memory.Query{})
	assert.ErrorIs(t, err, memory.ErrNotInitialized)
}

func TestAddMemory_DefaultsAndValidation(t *testing.T) {
	svc, primary, _ := newService(t, memory.ServiceConfig{})
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	_, err := svc.AddMemory(ctx, "  ", "content", "", nil, nil)
	assert.Error(t, err)

	id, err := svc.AddMemory(ctx, "p", "content", "", []string{"a"}, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, primary.Len())

	got, err := svc.SearchMemories(ctx, "p", memory.Query{Text: "content"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, memory.CategoryProject, got[0].Category)
	assert.Equal(t, "primary", got[0].Backend)
}

func TestAddMemory_FailsOverAndCountsSwitch(t *testing.T) {
	svc, primary, secondary := newService(t, memory.ServiceConfig{})
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	primary.FailWith(errDown)
	id, err := svc.AddMemory(ctx, "p", "failover write", memory.CategoryPattern, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 0, primary.Len())
	assert.Equal(t, 1, secondary.Len())
	assert.Equal(t, "secondary", svc.ActiveBackend())

	m := svc.Metrics()
	assert.Equal(t, int64(1), m.BackendSwitches)
	assert.Equal(t, int64(1), m.Adds)
	assert.Equal(t, int64(1), m.Backends["primary"].Failures)
	assert.Equal(t, errDown.Error(), m.Backends["primary"].LastError)
	assert.Equal(t, int64(1), m.Backends["secondary"].Operations)
}

func TestSearch_EmptyResultIsNotFailure(t *testing.T) {
	svc, _, secondary := newService(t, memory.ServiceConfig{})
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))
	_, err := secondary.Add(ctx, &memory.Item{Project: "p", Content: "only in secondary"})
	require.NoError(t, err)

	got, err := svc.SearchMemories(ctx, "p", memory.Query{Text: "secondary"})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, "primary", svc.ActiveBackend())
	assert.Zero(t, svc.Metrics().BackendSwitches)
}

func TestAllBackendsExhausted(t *testing.T) {
	svc, primary, secondary := newService(t, memory.ServiceConfig{})
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	primary.FailWith(errDown)
	secondary.FailWith(errDown)
	_, err := svc.AddMemory(ctx, "p", "x", "", nil, nil)
	assert.ErrorIs(t, err, memory.ErrAllBackendsExhausted)
	_, err = svc.SearchMemories(ctx, "p", memory.Query{})
	assert.ErrorIs(t, err, memory.ErrAllBackendsExhausted)

	m := svc.Metrics()
	assert.Equal(t, int64(1), m.AddFailures)
	assert.Equal(t, int64(1), m.SearchFailures)
}

func TestBreaker_OpensAndFailsBackAfterRecovery(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	svc, primary, secondary := newService(t,
		memory.ServiceConfig{BreakerThreshold: 1, BreakerRecovery: time.Minute},
		breaker.WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	primary.FailWith(errDown)
	_, err := svc.AddMemory(ctx, "p", "first", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, secondary.Len())
	assert.Equal(t, breaker.Open.String(), svc.Metrics().Backends["primary"].Breaker.State)

	// Recovered, but the circuit is still inside its recovery window.
	primary.FailWith(nil)
	switched, err := svc.PreferPrimary(ctx)
	require.NoError(t, err)
	assert.False(t, switched)
	assert.Equal(t, "secondary", svc.ActiveBackend())

	clock.Advance(2 * time.Minute)
	switched, err = svc.PreferPrimary(ctx)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, "primary", svc.ActiveBackend())
	assert.Equal(t, breaker.Closed.String(), svc.Metrics().Backends["primary"].Breaker.State)
	assert.Equal(t, int64(2), svc.Metrics().BackendSwitches)
}

func TestBreaker_RejectsWhileOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	primary := inmem.New("primary")
	secondary := inmem.New("secondary")
	svc := memory.NewService(memory.ServiceConfig{BreakerThreshold: 1, BreakerRecovery: time.Minute},
		[]memory.Backend{primary, secondary}, breaker.WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	primary.FailWith(errDown)
	secondary.FailWith(errDown)
	_, err := svc.AddMemory(ctx, "p", "x", "", nil, nil)
	require.ErrorIs(t, err, memory.ErrAllBackendsExhausted)

	// Both breakers are open now.
	_, err = svc.AddMemory(ctx, "p", "y", "", nil, nil)
	require.ErrorIs(t, err, memory.ErrAllBackendsExhausted)
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, int64(2), svc.Metrics().BreakerRejections)
	assert.Equal(t, int64(1), svc.Metrics().Backends["primary"].Rejected)
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	svc, primary, secondary := newService(t, memory.ServiceConfig{OperationTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	primary.SetDelay(time.Second)
	_, err := svc.AddMemory(ctx, "p", "slow", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, secondary.Len())
	assert.Equal(t, int64(1), svc.Metrics().Backends["primary"].Failures)
}

func TestCallerCancellationDoesNotBlameBackend(t *testing.T) {
	svc, primary, secondary := newService(t, memory.ServiceConfig{})
	require.NoError(t, svc.Initialize(context.Background()))

	primary.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.AddMemory(ctx, "p", "x", "", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, svc.Metrics().Backends["primary"].Failures)
	assert.Equal(t, 0, secondary.Len())
}

func TestCanceledHalfOpenCallLetsPrimaryRecover(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	svc, primary, secondary := newService(t,
		memory.ServiceConfig{BreakerThreshold: 1, BreakerRecovery: time.Minute},
		breaker.WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	// Fail over to secondary, then break it too.
	primary.FailWith(errDown)
	_, err := svc.AddMemory(ctx, "p", "first", "", nil, nil)
	require.NoError(t, err)
	secondary.FailWith(errDown)
	_, err = svc.AddMemory(ctx, "p", "second", "", nil, nil)
	require.ErrorIs(t, err, memory.ErrAllBackendsExhausted)
	require.Equal(t, "secondary", svc.ActiveBackend())

	// Both circuits admit one call again; the caller abandons the one on primary.
	clock.Advance(2 * time.Minute)
	primary.FailWith(nil)
	primary.SetDelay(time.Second)
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = svc.SearchMemories(short, "p", memory.Query{Text: "first"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), svc.Metrics().Backends["primary"].Failures, "abandoned call is not a failure")
	assert.Equal(t, breaker.HalfOpen.String(), svc.Metrics().Backends["primary"].Breaker.State)

	primary.SetDelay(0)
	clock.Advance(24 * time.Hour)
	switched, err := svc.PreferPrimary(ctx)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, "primary", svc.ActiveBackend())
	assert.Equal(t, breaker.Closed.String(), svc.Metrics().Backends["primary"].Breaker.State)
}

func TestSwitchBackend(t *testing.T) {
	svc, _, secondary := newService(t, memory.ServiceConfig{})
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	assert.ErrorIs(t, svc.SwitchBackend(ctx, "nope"), memory.ErrUnknownBackend)

	secondary.FailWith(errDown)
	assert.ErrorIs(t, svc.SwitchBackend(ctx, "secondary"), errDown)
	assert.Equal(t, "primary", svc.ActiveBackend())

	secondary.FailWith(nil)
	require.NoError(t, svc.SwitchBackend(ctx, "secondary"))
	assert.Equal(t, "secondary", svc.ActiveBackend())
	assert.Equal(t, int64(1), svc.Metrics().BackendSwitches)
}

func TestServiceHealth(t *testing.T) {
	svc, primary, secondary := newService(t, memory.ServiceConfig{})
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	h := svc.ServiceHealth(ctx)
	assert.Equal(t, memory.StatusHealthy, h.Status)
	assert.True(t, h.Initialized)
	require.Len(t, h.Backends, 2)
	assert.True(t, h.Backends[0].Active)

	secondary.FailWith(errDown)
	h = svc.ServiceHealth(ctx)
	assert.Equal(t, memory.StatusDegraded, h.Status)
	assert.Equal(t, errDown.Error(), h.Backends[1].Error)

	primary.FailWith(errDown)
	h = svc.ServiceHealth(ctx)
	assert.Equal(t, memory.StatusUnhealthy, h.Status)
}

func TestRunRetention(t *testing.T) {
	svc, primary, _ := newService(t, memory.ServiceConfig{})
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	_, err := primary.Add(ctx, &memory.Item{Project: "p", Content: "old", CreatedAt: time.Now().AddDate(0, 0, -60)})
	require.NoError(t, err)
	_, err = primary.Add(ctx, &memory.Item{Project: "p", Content: "new"})
	require.NoError(t, err)

	assert.Zero(t, memory.RunRetention(ctx, svc, 0))
	assert.Equal(t, int64(1), memory.RunRetention(ctx, svc, 30))
	assert.Equal(t, 1, primary.Len())
}

func TestMaintenance(t *testing.T) {
	svc, primary, _ := newService(t, memory.ServiceConfig{})
	ctx := context.Background()
	primary.FailWith(errDown)
	require.NoError(t, svc.Initialize(ctx))
	assert.Equal(t, "secondary", svc.ActiveBackend())

	_, err := memory.NewMaintenance(svc, "not a schedule", 30)
	assert.Error(t, err)

	m, err := memory.NewMaintenance(svc, "*/5 * * * *", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Entries())

	ran := 0
	m.AddTask("count", func(context.Context) { ran++ })

	primary.FailWith(nil)
	m.RunOnce(ctx)
	assert.Equal(t, "primary", svc.ActiveBackend())
	assert.Equal(t, 1, ran)

	m.Start()
	m.Stop()
}

func TestClose(t *testing.T) {
	svc, primary, _ := newService(t, memory.ServiceConfig{})
	require.NoError(t, svc.Close())
	assert.Error(t, primary.HealthCheck(context.Background()))
}
