package store

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/config"
	"optionflow/models"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, "quikstrike/BTC/options/2026-01-31/latest", SnapshotPath("quikstrike", models.AssetBTC, "2026-01-31"))
	assert.Equal(t, "quikstrike/ETH/state", StatePath("quikstrike", models.AssetETH))
	assert.Equal(t, "quikstrike/BTC/chain", ChainPath("quikstrike", models.AssetBTC))
}

func newRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedis(config.RedisConfig{Addr: mr.Addr()})
}

func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemory() },
		"redis":  func(t *testing.T) Store { return newRedis(t) },
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := build(t)
			defer s.Close()

			require.NoError(t, s.Ping(ctx))

			_, err := s.Get(ctx, "ns/BTC/state")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "ns/BTC/state", []byte(`{"lastTradeId":"t1"}`)))
			require.NoError(t, s.Set(ctx, "ns/BTC/options/2026-01-31/latest", []byte(`{"strikes":[]}`)))
			require.NoError(t, s.Set(ctx, "ns/BTCX/state", []byte(`{}`)))

			doc, err := s.Get(ctx, "ns/BTC/state")
			require.NoError(t, err)
			assert.JSONEq(t, `{"lastTradeId":"t1"}`, string(doc))

			require.NoError(t, s.Set(ctx, "ns/BTC/state", []byte(`{"lastTradeId":"t2"}`)))
			doc, err = s.Get(ctx, "ns/BTC/state")
			require.NoError(t, err)
			assert.JSONEq(t, `{"lastTradeId":"t2"}`, string(doc))

			require.NoError(t, s.Delete(ctx, "ns/BTC"))
			_, err = s.Get(ctx, "ns/BTC/options/2026-01-31/latest")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Get(ctx, "ns/BTCX/state")
			assert.NoError(t, err, "sibling prefix must survive a path scoped delete")
		})
	}
}

func TestMemoryFailWrites(t *testing.T) {
	m := NewMemory()
	boom := errors.New("unavailable")
	m.FailWrites = func(string) error { return boom }
	assert.ErrorIs(t, m.Set(context.Background(), "a", []byte("x")), boom)
	assert.Empty(t, m.Paths())
}

func TestMemoryCopiesDocuments(t *testing.T) {
	m := NewMemory()
	doc := []byte("abc")
	require.NoError(t, m.Set(context.Background(), "p", doc))
	doc[0] = 'z'
	got, err := m.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	require.NoError(t, m.Set(context.Background(), "q", nil))
	paths := m.Paths()
	sort.Strings(paths)
	assert.Equal(t, []string{"p", "q"}, paths)
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	mr.Close()

	assert.Error(t, r.Ping(context.Background()))
	assert.Error(t, r.Set(context.Background(), "p", []byte("x")))
}
