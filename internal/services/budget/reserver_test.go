package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/models"
)

type fakeStore struct {
	mu     sync.Mutex
	usage  map[uuid.UUID]float64
	resets map[uuid.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{usage: make(map[uuid.UUID]float64), resets: make(map[uuid.UUID]string)}
}

func (f *fakeStore) ResetMonth(ctx context.Context, keyID uuid.UUID, month string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[keyID] = 0
	f.resets[keyID] = month
	return nil
}

func (f *fakeStore) AddKeyUsage(ctx context.Context, keyID uuid.UUID, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[keyID] += amount
	return nil
}

func newTestReserver(t *testing.T) (*Reserver, *fakeStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newFakeStore()
	return NewReserver(client, store, zap.NewNop(), time.Minute, 0, nil), store, mr
}

func limitedKey(limit, usage float64) *models.APIKey {
	return &models.APIKey{
		BaseModel:         models.BaseModel{ID: uuid.New()},
		UserOID:           "u1",
		BudgetMonthly:     &limit,
		UsageCurrentMonth: usage,
		LastResetMonth:    models.CurrentMonth(time.Now()),
	}
}

func TestReserveWithinBudget(t *testing.T) {
	r, _, _ := newTestReserver(t)
	ctx := context.Background()
	k := limitedKey(100, 40)

	res, err := r.Reserve(ctx, k, 10, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Estimated)

	pending, err := r.Pending(ctx, k.ID, res.Month)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, pending, 1e-9)
}

func TestReserveRejectsOverBudget(t *testing.T) {
	r, _, _ := newTestReserver(t)
	ctx := context.Background()
	k := limitedKey(100, 95)

	_, err := r.Reserve(ctx, k, 10, time.Minute)
	require.Error(t, err)
	assert.Equal(t, apierror.KindBudgetExceeded, apierror.From(err).Kind)

	// Nothing held after a rejection.
	pending, err := r.Pending(ctx, k.ID, models.CurrentMonth(time.Now()))
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReserveExactBoundaryAllowed(t *testing.T) {
	r, _, _ := newTestReserver(t)
	k := limitedKey(100, 90)

	// usage + estimate == limit is allowed; only strictly greater rejects.
	_, err := r.Reserve(context.Background(), k, 10, time.Minute)
	assert.NoError(t, err)
}

func TestConcurrentReservationsSeeEachOther(t *testing.T) {
	r, _, _ := newTestReserver(t)
	ctx := context.Background()
	k := limitedKey(100, 0)

	// First reservation holds 60; the second 60 must not fit even though
	// settled usage is still zero.
	_, err := r.Reserve(ctx, k, 60, time.Minute)
	require.NoError(t, err)

	_, err = r.Reserve(ctx, k, 60, time.Minute)
	require.Error(t, err)
	assert.Equal(t, apierror.KindBudgetExceeded, apierror.From(err).Kind)
}

func TestCommitSettlesActual(t *testing.T) {
	r, store, _ := newTestReserver(t)
	ctx := context.Background()
	k := limitedKey(100, 0)

	res, err := r.Reserve(ctx, k, 20, time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.Commit(ctx, res, 12.5))

	pending, err := r.Pending(ctx, k.ID, res.Month)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.InDelta(t, 12.5, store.usage[k.ID], 1e-9)

	// Double commit is a no-op.
	require.NoError(t, r.Commit(ctx, res, 12.5))
	assert.InDelta(t, 12.5, store.usage[k.ID], 1e-9)
}

func TestReleaseChargesNothing(t *testing.T) {
	r, store, _ := newTestReserver(t)
	ctx := context.Background()
	k := limitedKey(100, 0)

	res, err := r.Reserve(ctx, k, 20, time.Minute)
	require.NoError(t, err)
	r.Release(ctx, res)

	pending, err := r.Pending(ctx, k.ID, res.Month)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, store.usage[k.ID])

	// Commit after release is ignored; exactly one settlement.
	require.NoError(t, r.Commit(ctx, res, 99))
	assert.Zero(t, store.usage[k.ID])
}

func TestMonthRollover(t *testing.T) {
	r, store, _ := newTestReserver(t)
	ctx := context.Background()

	limit := 100.0
	k := &models.APIKey{
		BaseModel:         models.BaseModel{ID: uuid.New()},
		BudgetMonthly:     &limit,
		UsageCurrentMonth: 99.9,
		LastResetMonth:    "2020-01",
	}

	// Stale month: usage resets, so a fresh reservation fits.
	res, err := r.Reserve(ctx, k, 50, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.CurrentMonth(time.Now()), res.Month)
	assert.Zero(t, k.UsageCurrentMonth)
	assert.Equal(t, models.CurrentMonth(time.Now()), store.resets[k.ID])
}

func TestUnlimitedKey(t *testing.T) {
	r, _, _ := newTestReserver(t)
	k := &models.APIKey{
		BaseModel:      models.BaseModel{ID: uuid.New()},
		LastResetMonth: models.CurrentMonth(time.Now()),
	}
	_, err := r.Reserve(context.Background(), k, 1e9, time.Minute)
	assert.NoError(t, err)
}

func TestReservationTTL(t *testing.T) {
	r, _, mr := newTestReserver(t)
	ctx := context.Background()
	k := limitedKey(100, 0)

	res, err := r.Reserve(ctx, k, 60, time.Minute)
	require.NoError(t, err)

	// A crashed replica never settles; the TTL (timeout + grace) frees the
	// held budget on its own.
	mr.FastForward(3 * time.Minute)
	pending, err := r.Pending(ctx, k.ID, res.Month)
	require.NoError(t, err)
	assert.Zero(t, pending)

	_, err = r.Reserve(ctx, k, 60, time.Minute)
	assert.NoError(t, err)
}

func TestEstimateCost(t *testing.T) {
	m := &models.Model{InputCostPerMillion: 100, OutputCostPerMillion: 400}
	// 5000 input + 1000 max output: 0.5 + 0.4
	assert.InDelta(t, 0.9, EstimateCost(m, 5000, 1000), 1e-9)
}
