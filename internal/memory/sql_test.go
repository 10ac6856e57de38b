package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evo-trader/internal/store"
)

func TestSQL_LessonsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	cfg := store.Config{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "evotrader.db")}

	st, err := store.Open(cfg)
	require.NoError(t, err)
	m := NewSQL(st, SQLConfig{})
	require.NoError(t, m.Write(ctx, lesson("far", "BTC-USDT-SWAP", 20, 2)))
	require.NoError(t, m.Write(ctx, lesson("near", "BTC-USDT-SWAP", 69, 2)))
	require.NoError(t, st.Close())

	st, err = store.Open(cfg)
	require.NoError(t, err)
	defer st.Close()
	m = NewSQL(st, SQLConfig{})

	got, err := m.QuerySimilar(ctx, contextWith("BTC-USDT-SWAP", 70), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].Key)
	assert.Equal(t, "id-near", got[0].ID)
	assert.InDelta(t, 69, got[0].Features.RSI, 1e-9)
}

func TestSQL_WriteIsIdempotentByKey(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(store.Config{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "evotrader.db")})
	require.NoError(t, err)
	defer st.Close()

	m := NewSQL(st, SQLConfig{})
	l := lesson("BTC|2024-03-01", "BTC-USDT-SWAP", 50, 1)
	require.NoError(t, m.Write(ctx, l))
	require.NoError(t, m.Write(ctx, l))

	all, err := st.RecentLessons(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.Error(t, m.Write(ctx, lesson("", "BTC-USDT-SWAP", 50, 1)))
}
