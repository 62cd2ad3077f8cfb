package catalog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/stepwise/internal/domain"
)

type fakeManualRepo struct {
	mu      sync.Mutex
	manuals map[string]*domain.Manual
	gets    int
}

func newFakeManualRepo() *fakeManualRepo {
	return &fakeManualRepo{manuals: make(map[string]*domain.Manual)}
}

func (f *fakeManualRepo) CreateManual(_ context.Context, m *domain.Manual) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.manuals[m.ID]; ok {
		return domain.ErrManualExists
	}
	f.manuals[m.ID] = m
	return nil
}

func (f *fakeManualRepo) GetManual(_ context.Context, id string) (*domain.Manual, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	m, ok := f.manuals[id]
	if !ok {
		return nil, domain.ErrManualNotFound
	}
	return m, nil
}

func (f *fakeManualRepo) ListManuals(_ context.Context, _, _ int) ([]*domain.Manual, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Manual
	for _, m := range f.manuals {
		out = append(out, m)
	}
	return out, len(out), nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func manualWithSteps(id string, n int) *domain.Manual {
	m := &domain.Manual{ID: id, Title: "Manual"}
	// Out of order on purpose; CreateManual normalizes.
	for i := n; i >= 1; i-- {
		m.Steps = append(m.Steps, domain.Step{Number: i, Title: fmt.Sprintf("S%d", i), Content: "c"})
	}
	return m
}

func TestCreateManualValidates(t *testing.T) {
	c := New(newFakeManualRepo(), nil, time.Hour, nil)
	ctx := context.Background()

	err := c.CreateManual(ctx, manualWithSteps("one-step", 1))
	assert.ErrorIs(t, err, domain.ErrInvalidManual)

	gap := manualWithSteps("gap", 3)
	gap.Steps[0].Number = 7
	assert.ErrorIs(t, c.CreateManual(ctx, gap), domain.ErrInvalidManual)

	m := manualWithSteps("ok", 3)
	require.NoError(t, c.CreateManual(ctx, m))
	assert.Equal(t, 1, m.Steps[0].Number)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestGetManualReadsThroughCache(t *testing.T) {
	repo := newFakeManualRepo()
	cache := newMemCache()
	c := New(repo, cache, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, repo.CreateManual(ctx, manualWithSteps("router", 3)))

	first, err := c.GetManual(ctx, "router")
	require.NoError(t, err)
	second, err := c.GetManual(ctx, "router")
	require.NoError(t, err)

	assert.Equal(t, 1, repo.gets)
	assert.Equal(t, first.TotalSteps(), second.TotalSteps())

	_, err = c.GetManual(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrManualNotFound)
}

func TestGetManualDropsCorruptCacheEntry(t *testing.T) {
	repo := newFakeManualRepo()
	cache := newMemCache()
	c := New(repo, cache, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, repo.CreateManual(ctx, manualWithSteps("router", 2)))
	require.NoError(t, cache.Set(ctx, manualKeyPrefix+"router", []byte("{not json"), time.Hour))

	m, err := c.GetManual(ctx, "router")
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalSteps())
	assert.Equal(t, 1, repo.gets)
}

func TestGetManualFallsBackWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	repo := newFakeManualRepo()
	c := New(repo, NewRedisCacheFromClient(client), time.Hour, nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateManual(ctx, manualWithSteps("router", 2)))

	m, err := c.GetManual(ctx, "router")
	require.NoError(t, err)
	assert.Equal(t, "router", m.ID)
}

func TestGetStep(t *testing.T) {
	repo := newFakeManualRepo()
	c := New(repo, nil, time.Hour, nil)
	ctx := context.Background()
	require.NoError(t, c.CreateManual(ctx, manualWithSteps("router", 3)))

	step, err := c.GetStep(ctx, "router", 2)
	require.NoError(t, err)
	assert.Equal(t, "S2", step.Title)

	_, err = c.GetStep(ctx, "router", 4)
	assert.ErrorIs(t, err, domain.ErrInvalidStep)
	_, err = c.GetStep(ctx, "router", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidStep)
}
