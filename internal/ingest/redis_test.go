package ingest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisWriter(t *testing.T) (*RedisWriter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	w, err := NewRedisWriter(client, "")
	require.NoError(t, err)
	return w, mr
}

func TestRedisWriter_LastWriteWins(t *testing.T) {
	w, mr := newRedisWriter(t)
	ctx := context.Background()

	require.NoError(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 9, WriteVersion: 1, Lamports: 1}))
	require.NoError(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 10, WriteVersion: 0, Lamports: 2}))
	assert.ErrorIs(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 9, WriteVersion: 99, Lamports: 3}), ErrStale)
	assert.ErrorIs(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 10, WriteVersion: 0, Lamports: 4}), ErrStale)
	require.NoError(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "b", Slot: 1}))

	got, ok, err := w.Account(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Lamports)
	assert.True(t, mr.Exists("xindex:account:a"))

	_, ok, err = w.Account(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	accounts, _, err := w.Inventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), accounts)
}

func TestRedisWriter_LargeVersionsCompareExactly(t *testing.T) {
	w, _ := newRedisWriter(t)
	ctx := context.Background()
	// 超过 2^53 的相邻值，按 double 比较会相等。
	require.NoError(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 1, WriteVersion: 1 << 60}))
	require.NoError(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 1, WriteVersion: 1<<60 + 1}))
}

func TestRedisWriter_Slots(t *testing.T) {
	w, _ := newRedisWriter(t)
	ctx := context.Background()

	_, slots, err := w.Inventory(ctx)
	require.NoError(t, err)
	assert.Zero(t, slots)

	require.NoError(t, w.WriteSlots(ctx, SlotRange{From: 0, To: 10}))
	require.NoError(t, w.WriteSlots(ctx, SlotRange{From: 0, To: 10}))
	require.NoError(t, w.WriteSlots(ctx, SlotRange{From: 10, To: 12}))

	_, slots, err = w.Inventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), slots)
}

func TestRedisWriter_Errors(t *testing.T) {
	_, err := NewRedisWriter(nil, "")
	assert.ErrorIs(t, err, ErrNilClient)

	w, mr := newRedisWriter(t)
	mr.Close()
	assert.Error(t, w.WriteAccount(context.Background(), AccountUpdate{Pubkey: "a"}))
	assert.Error(t, w.WriteSlots(context.Background(), SlotRange{From: 0, To: 1}))
}
