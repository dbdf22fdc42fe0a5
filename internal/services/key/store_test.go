package key

import (
	"context"
	"strings"
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

func TestGenerate(t *testing.T) {
	g, err := Generate("")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(g.Plaintext, DefaultPrefix))
	assert.Len(t, g.HashedKey, 64)
	assert.Len(t, g.Salt, 32)
	assert.True(t, strings.HasPrefix(g.DisplayPrefix, DefaultPrefix))
	assert.True(t, strings.HasSuffix(g.DisplayPrefix, "..."))

	assert.True(t, Verify(g.Plaintext, g.HashedKey, g.Salt))
	assert.False(t, Verify(g.Plaintext+"x", g.HashedKey, g.Salt))
	assert.False(t, Verify(g.Plaintext, g.HashedKey, "00"))
}

func TestGenerateUnique(t *testing.T) {
	a, err := Generate("")
	require.NoError(t, err)
	b, err := Generate("")
	require.NoError(t, err)
	assert.NotEqual(t, a.Plaintext, b.Plaintext)
	assert.NotEqual(t, a.Salt, b.Salt)
}

type fakeSource struct {
	mu      sync.Mutex
	keys    map[uuid.UUID]*models.APIKey
	scans   int
	touched int
}

func newFakeSource(keys ...*models.APIKey) *fakeSource {
	f := &fakeSource{keys: make(map[uuid.UUID]*models.APIKey)}
	for _, k := range keys {
		f.keys[k.ID] = k
	}
	return f
}

func (f *fakeSource) ActiveKeys(ctx context.Context) ([]models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	out := make([]models.APIKey, 0, len(f.keys))
	for _, k := range f.keys {
		if k.IsActive {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (f *fakeSource) KeyByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return nil, nil
	}
	copied := *k
	return &copied, nil
}

func (f *fakeSource) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched++
	return nil
}

func newTestStore(t *testing.T, source Source) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewStore(source, client, zap.NewNop(), DefaultPrefix, time.Minute, 5*time.Second), mr
}

func testKey(t *testing.T) (*models.APIKey, string) {
	t.Helper()
	g, err := Generate("")
	require.NoError(t, err)
	k := &models.APIKey{
		BaseModel: models.BaseModel{ID: uuid.New()},
		UserOID:   "user-1",
		HashedKey: g.HashedKey,
		Salt:      g.Salt,
		IsActive:  true,
	}
	return k, g.Plaintext
}

func TestStoreResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves and caches", func(t *testing.T) {
		k, plaintext := testKey(t)
		source := newFakeSource(k)
		store, _ := newTestStore(t, source)

		got, err := store.Resolve(ctx, plaintext)
		require.NoError(t, err)
		assert.Equal(t, k.ID, got.ID)
		assert.Equal(t, 1, source.scans)

		// Second resolve hits the cache, no new scan.
		got, err = store.Resolve(ctx, plaintext)
		require.NoError(t, err)
		assert.Equal(t, k.ID, got.ID)
		assert.Equal(t, 1, source.scans)
	})

	t.Run("wrong prefix", func(t *testing.T) {
		store, _ := newTestStore(t, newFakeSource())
		_, err := store.Resolve(ctx, "sk-proj-notours")
		assert.Equal(t, apierror.KindUnauthorized, apierror.From(err).Kind)
	})

	t.Run("unknown key gets negative cache", func(t *testing.T) {
		source := newFakeSource()
		store, mr := newTestStore(t, source)

		_, err := store.Resolve(ctx, DefaultPrefix+"doesnotexist")
		assert.Equal(t, apierror.KindUnauthorized, apierror.From(err).Kind)
		assert.Equal(t, 1, source.scans)

		// Second attempt is absorbed by the negative sentinel.
		_, err = store.Resolve(ctx, DefaultPrefix+"doesnotexist")
		assert.Error(t, err)
		assert.Equal(t, 1, source.scans)

		// Sentinel expires; the scan happens again.
		mr.FastForward(6 * time.Second)
		_, err = store.Resolve(ctx, DefaultPrefix+"doesnotexist")
		assert.Error(t, err)
		assert.Equal(t, 2, source.scans)
	})

	t.Run("revocation honored on cache hit", func(t *testing.T) {
		k, plaintext := testKey(t)
		source := newFakeSource(k)
		store, _ := newTestStore(t, source)

		_, err := store.Resolve(ctx, plaintext)
		require.NoError(t, err)

		// Revoke in the database while the cache entry is live.
		source.mu.Lock()
		k.IsActive = false
		source.mu.Unlock()

		_, err = store.Resolve(ctx, plaintext)
		assert.Equal(t, apierror.KindUnauthorized, apierror.From(err).Kind)
	})

	t.Run("expired key rejected", func(t *testing.T) {
		k, plaintext := testKey(t)
		past := time.Now().Add(-time.Hour)
		k.ExpiresAt = &past
		store, _ := newTestStore(t, newFakeSource(k))

		_, err := store.Resolve(ctx, plaintext)
		assert.Equal(t, apierror.KindUnauthorized, apierror.From(err).Kind)
	})

	t.Run("invalidate drops cache", func(t *testing.T) {
		k, plaintext := testKey(t)
		source := newFakeSource(k)
		store, _ := newTestStore(t, source)

		_, err := store.Resolve(ctx, plaintext)
		require.NoError(t, err)
		require.NoError(t, store.Invalidate(ctx, plaintext))

		_, err = store.Resolve(ctx, plaintext)
		require.NoError(t, err)
		assert.Equal(t, 2, source.scans)
	})
}
