package storage

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"clonechain/core/events"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := Open("sqlite", MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func swapEvent(id uint64, user common.Address, pool uint16) *events.CloneSwap {
	evt := &events.CloneSwap{Slot: 7, User: user, PoolIndex: pool, IsBuy: true, OnAsset: 10, Quote: 25}
	evt.SetSequenceID(id)
	return evt
}

func TestIndexerOrdersAndFiltersEvents(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()
	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb2")

	store.Emit(swapEvent(1, alice, 0))
	collateral := &events.CloneCometCollateralUpdate{User: bob, Delta: -5, Collateral: 95}
	collateral.SetSequenceID(2)
	store.Emit(collateral)
	store.Emit(swapEvent(3, bob, 1))
	// replays are ignored
	store.Emit(swapEvent(3, bob, 1))

	all, err := store.EventsAfter(ctx, EventQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, evt := range all {
		require.Equal(t, uint64(i+1), evt.Sequence)
	}
	require.Equal(t, events.TypeCloneSwap, all[0].Type)
	require.Equal(t, "25", all[0].Attributes["quote"])

	after, err := store.EventsAfter(ctx, EventQuery{After: 1})
	require.NoError(t, err)
	require.Len(t, after, 2)

	swaps, err := store.EventsAfter(ctx, EventQuery{Type: events.TypeCloneSwap, Account: bob.Hex()})
	require.NoError(t, err)
	require.Len(t, swaps, 1)
	require.Equal(t, uint64(3), swaps[0].Sequence)

	limited, err := store.EventsAfter(ctx, EventQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	last, err := store.LastSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)
}

func TestLastSequenceEmpty(t *testing.T) {
	last, err := openTestStorage(t).LastSequence(context.Background())
	require.NoError(t, err)
	require.Zero(t, last)
}

func TestIdempotencyRecords(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	_, err := store.LookupIdempotency(ctx, "missing")
	require.ErrorIs(t, err, ErrIdempotencyNotFound)

	fp := Fingerprint("0xa1", "POST", "/v1/swap", []byte(`{"amount":1}`))
	require.Len(t, fp, 64)
	require.NotEqual(t, fp, Fingerprint("0xa1", "POST", "/v1/swap", []byte(`{"amount":2}`)))
	require.NotEqual(t, fp, Fingerprint("0xa1P", "OST", "/v1/swap", []byte(`{"amount":1}`)))

	first := &IdempotencyRecord{Key: "k1", Fingerprint: fp, Status: 200, Response: `{"ok":true}`, CreatedAt: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, store.SaveIdempotency(ctx, first))
	require.NoError(t, store.SaveIdempotency(ctx, &IdempotencyRecord{Key: "k1", Status: 500}))

	got, err := store.LookupIdempotency(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, 200, got.Status)
	require.Equal(t, fp, got.Fingerprint)

	require.NoError(t, store.SaveIdempotency(ctx, &IdempotencyRecord{Key: "k2", Status: 201}))
	pruned, err := store.PruneIdempotency(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)
	_, err = store.LookupIdempotency(ctx, "k1")
	require.ErrorIs(t, err, ErrIdempotencyNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.ErrorIs(t, err, ErrUnsupportedDriver)
	_, err = Open("sqlite", " ")
	require.ErrorIs(t, err, ErrPathRequired)
}

func TestFileDSN(t *testing.T) {
	dsn, err := FileDSN("/tmp/cloned/events.sqlite")
	require.NoError(t, err)
	require.Contains(t, dsn, "file:/tmp/cloned/events.sqlite?")
	_, err = FileDSN("")
	require.ErrorIs(t, err, ErrPathRequired)
}
