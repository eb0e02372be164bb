package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledgerstore/internal/access"
	"ledgerstore/internal/journal"
	"ledgerstore/internal/models"
	"ledgerstore/internal/registry"
	"ledgerstore/internal/secure"
	"ledgerstore/internal/server"
	"ledgerstore/internal/storage"
)

// countingBackend counts full-collection fetches so tests can prove a
// refresh went through the journal instead.
type countingBackend struct {
	storage.Backend
	getAllCalls atomic.Int64
}

func (c *countingBackend) GetAll(ctx context.Context, typeName string) ([][]byte, error) {
	if typeName != models.ChangeRecordType {
		c.getAllCalls.Add(1)
	}
	return c.Backend.GetAll(ctx, typeName)
}

func startServer(t *testing.T) (string, *countingBackend) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	backend := &countingBackend{Backend: storage.NewMemory()}
	for _, name := range []string{"alice", "bob"} {
		err := backend.SaveUser(ctx, &models.UserProfile{
			Username:     name,
			PasswordHash: "secret-" + name,
			Rights: []models.Right{
				{TypeName: "Invoice", Action: models.ActionGet},
				{TypeName: "Invoice", Action: models.ActionPut},
				{TypeName: "Invoice", Action: models.ActionRemove},
			},
		})
		require.NoError(t, err)
	}

	codec := secure.NewCodec()
	reg := registry.New()
	reg.RegisterDocument("Invoice")
	j, err := journal.New(ctx, backend, 0)
	require.NoError(t, err)

	srv := server.New(server.Params{
		Addr:     "127.0.0.1:0",
		Gate:     access.New(backend, codec, 0, zap.NewNop()),
		Codec:    codec,
		Backend:  backend,
		Journal:  j,
		Registry: reg,
		Log:      zap.NewNop(),
	})
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve(ctx) }()
	return srv.Addr(), backend
}

func newInvoice() *models.Document { return models.NewDocument("Invoice", "") }

func invoice(id string, total float64) *models.Document {
	doc := models.NewDocument("Invoice", id)
	doc.Set("total", total)
	return doc
}

func newStore(t *testing.T, addr, user string) *Store[*models.Document] {
	t.Helper()
	s, err := New(Config{
		Addr:        addr,
		Username:    user,
		Secret:      "secret-" + user,
		ExtendedKey: true,
	}, newInvoice)
	require.NoError(t, err)
	return s
}

func TestStore_PutGet(t *testing.T) {
	addr, _ := startServer(t)
	s := newStore(t, addr, "alice")

	changeID, err := s.Put(invoice("1", 10))
	require.NoError(t, err)
	assert.Equal(t, int64(1), changeID)

	rec, ok, err := s.Get("1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", rec.ID())
	assert.Equal(t, float64(10), rec.Get("total"))

	_, ok, err = s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok, "a missing record is not an error")

	n, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_WrongSecretIsUnauthorized(t *testing.T) {
	addr, _ := startServer(t)
	s, err := New(Config{
		Addr:        addr,
		Username:    "alice",
		Secret:      "wrong",
		ExtendedKey: true,
	}, newInvoice)
	require.NoError(t, err)

	_, _, err = s.Get("1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStore_IncrementalRefresh(t *testing.T) {
	addr, backend := startServer(t)
	alice := newStore(t, addr, "alice")
	bob := newStore(t, addr, "bob")

	for i := 1; i <= 3; i++ {
		_, err := alice.Put(invoice(fmt.Sprint(i), float64(i)))
		require.NoError(t, err)
	}

	// Cold read primes the cache with one full fetch.
	values, err := bob.Values()
	require.NoError(t, err)
	assert.Len(t, values, 3)
	assert.Equal(t, int64(1), backend.getAllCalls.Load())

	// Alice changes one record and adds another behind bob's back.
	_, err = alice.Put(invoice("2", 20))
	require.NoError(t, err)
	_, err = alice.Put(invoice("4", 4))
	require.NoError(t, err)

	// Warm read reconciles through the journal: no second full fetch.
	values, err = bob.Values()
	require.NoError(t, err)
	assert.Len(t, values, 4)
	assert.Equal(t, int64(1), backend.getAllCalls.Load(), "refresh must not re-fetch the collection")

	byID := make(map[string]*models.Document)
	for _, rec := range values {
		byID[rec.ID()] = rec
	}
	assert.Equal(t, float64(20), byID["2"].Get("total"))
	assert.Equal(t, float64(4), byID["4"].Get("total"))

	// Caught up: another read is journal-only and changes nothing.
	values, err = bob.Values()
	require.NoError(t, err)
	assert.Len(t, values, 4)
}

func TestStore_RefreshLeavesNoLocks(t *testing.T) {
	addr, backend := startServer(t)
	alice := newStore(t, addr, "alice")
	bob := newStore(t, addr, "bob")

	_, err := alice.Put(invoice("1", 1))
	require.NoError(t, err)
	_, err = bob.Values()
	require.NoError(t, err)

	_, err = alice.Put(invoice("1", 2))
	require.NoError(t, err)
	_, err = bob.Values()
	require.NoError(t, err)

	has, err := backend.HasLock(context.Background(), "Invoice", "1")
	require.NoError(t, err)
	assert.False(t, has, "a cache refresh must not reserve records")
}

func TestStore_OptimisticPut(t *testing.T) {
	addr, backend := startServer(t)
	alice := newStore(t, addr, "alice")
	bob := newStore(t, addr, "bob")

	_, err := alice.Put(invoice("1", 1))
	require.NoError(t, err)
	_, err = alice.Values()
	require.NoError(t, err)

	// Alice is caught up, so her own PUT lands in her cache without a
	// round trip through the journal.
	_, err = alice.Put(invoice("2", 2))
	require.NoError(t, err)
	calls := backend.getAllCalls.Load()
	values, err := alice.Values()
	require.NoError(t, err)
	assert.Len(t, values, 2)
	assert.Equal(t, calls, backend.getAllCalls.Load())

	// Bob writes concurrently; alice's next PUT observes a gap and
	// leaves reconciliation to Values.
	_, err = bob.Put(invoice("3", 3))
	require.NoError(t, err)
	_, err = alice.Put(invoice("4", 4))
	require.NoError(t, err)
	values, err = alice.Values()
	require.NoError(t, err)
	assert.Len(t, values, 4)
}

func TestStore_Locking(t *testing.T) {
	addr, _ := startServer(t)
	alice := newStore(t, addr, "alice")
	bob := newStore(t, addr, "bob")

	_, err := alice.Put(invoice("1", 1))
	require.NoError(t, err)

	ok, err := alice.TryLock("1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = alice.TryLock("1")
	require.NoError(t, err)
	assert.True(t, ok, "re-lock by holder stays true")

	ok, err = bob.TryLock("1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Bob sees the record flagged, and his write bounces.
	rec, found, err := bob.Get("1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Locked())
	_, err = bob.Put(invoice("1", 99))
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, alice.ReleaseLock("1"))
	ok, err = bob.TryLock("1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ReleaseAllLocks(t *testing.T) {
	addr, backend := startServer(t)
	alice := newStore(t, addr, "alice")

	for i := 1; i <= 3; i++ {
		_, err := alice.Put(invoice(fmt.Sprint(i), 1))
		require.NoError(t, err)
		ok, err := alice.TryLock(fmt.Sprint(i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	alice.ReleaseAllLocks()
	for i := 1; i <= 3; i++ {
		has, err := backend.HasLock(context.Background(), "Invoice", fmt.Sprint(i))
		require.NoError(t, err)
		assert.False(t, has, "lock %d should be released", i)
	}
}

func TestStore_RemoveNeedsLock(t *testing.T) {
	addr, _ := startServer(t)
	alice := newStore(t, addr, "alice")

	_, err := alice.Put(invoice("1", 1))
	require.NoError(t, err)

	err = alice.Remove("1")
	assert.ErrorIs(t, err, ErrLocked, "remove without holding the lock")

	ok, err := alice.TryLock("1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, alice.Remove("1"))

	_, found, err := alice.Get("1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_GetWhere(t *testing.T) {
	addr, _ := startServer(t)
	alice := newStore(t, addr, "alice")

	for i := 1; i <= 4; i++ {
		_, err := alice.Put(invoice(fmt.Sprint(i), float64(i*10)))
		require.NoError(t, err)
	}

	records, err := alice.GetWhere(
		[]string{"total"}, []string{">="}, []string{"25"}, nil, false)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	n, err := alice.JournalSize()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
