package tryst

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/tryst/internal/metrics"
	"southwinds.dev/tryst/persist"
)

func createTestReplay(t *testing.T, store persist.Store, clock Clock, mutate func(*Options)) *ReplayStore {
	t.Helper()
	opts := createTestOptions(clock)
	if mutate != nil {
		mutate(&opts)
	}
	return NewReplayStore(store, opts, nil)
}

func seen(clock Clock, id, sender string, ttl time.Duration) SeenMessage {
	now := clock.Now()
	return SeenMessage{
		MessageID:         id,
		SenderFingerprint: sender,
		Timestamp:         now.UnixMilli(),
		ExpiresAt:         now.Add(ttl).UnixMilli(),
	}
}

func TestReplayRecordAndHas(t *testing.T) {
	clock := NewManualClock(testStart)
	store := persist.NewMemoryStore()
	rs := createTestReplay(t, store, clock, nil)

	has, err := rs.Has("m1", "alice")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, rs.Record(seen(clock, "m1", "alice", time.Hour)))

	has, err = rs.Has("m1", "alice")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = rs.Has("m1", "bob")
	require.NoError(t, err)
	assert.False(t, has, "the same id from another sender is a different message")

	require.Error(t, rs.Record(SeenMessage{SenderFingerprint: "alice"}))

	data, err := store.Get(keyReplayLedger)
	require.NoError(t, err)
	var ledger replayLedger
	require.NoError(t, json.Unmarshal(data, &ledger))
	assert.Equal(t, replayLedgerVersion, ledger.Version)
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, clock.Now().UnixMilli(), ledger.Entries[0].ReceiptTime)
	assert.Len(t, ledger.Entries[0].IntegrityTag, 64)
}

func TestReplayPersistsAcrossInstances(t *testing.T) {
	clock := NewManualClock(testStart)
	store := persist.NewMemoryStore()

	first := createTestReplay(t, store, clock, nil)
	require.NoError(t, first.Record(seen(clock, "m1", "alice", time.Hour)))

	second := createTestReplay(t, store, clock, nil)
	has, err := second.Has("m1", "alice")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestReplayMergesConcurrentWriters(t *testing.T) {
	clock := NewManualClock(testStart)
	store := persist.NewMemoryStore()

	a := createTestReplay(t, store, clock, nil)
	b := createTestReplay(t, store, clock, nil)

	// both load the empty ledger before either writes
	_, err := a.Has("x", "y")
	require.NoError(t, err)
	_, err = b.Has("x", "y")
	require.NoError(t, err)

	require.NoError(t, a.Record(seen(clock, "m1", "alice", time.Hour)))
	require.NoError(t, b.Record(seen(clock, "m2", "bob", time.Hour)))
	assert.Equal(t, 2, b.Len())

	a.Reset()
	assert.Equal(t, 0, a.Len())
	size, err := a.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size, "size reloads the ledger")
	for _, pair := range [][2]string{{"m1", "alice"}, {"m2", "bob"}} {
		has, err := a.Has(pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, has, pair[0])
	}
}

func TestReplayDropsTamperedEntries(t *testing.T) {
	clock := NewManualClock(testStart)
	store := persist.NewMemoryStore()
	rs := createTestReplay(t, store, clock, nil)
	require.NoError(t, rs.Record(seen(clock, "m1", "alice", time.Hour)))
	require.NoError(t, rs.Record(seen(clock, "m2", "alice", time.Hour)))

	data, err := store.Get(keyReplayLedger)
	require.NoError(t, err)
	var ledger replayLedger
	require.NoError(t, json.Unmarshal(data, &ledger))
	for i := range ledger.Entries {
		if ledger.Entries[i].MessageID == "m1" {
			ledger.Entries[i].ExpiresAt += int64(time.Hour / time.Millisecond)
		}
	}
	data, err = json.Marshal(ledger)
	require.NoError(t, err)
	require.NoError(t, store.Set(keyReplayLedger, data))

	reloaded := createTestReplay(t, store, clock, nil)
	has, err := reloaded.Has("m1", "alice")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = reloaded.Has("m2", "alice")
	require.NoError(t, err)
	assert.True(t, has)

	t.Run("UnreadableLedger", func(t *testing.T) {
		require.NoError(t, store.Set(keyReplayLedger, []byte("{broken")))
		rs := createTestReplay(t, store, clock, nil)
		has, err := rs.Has("m2", "alice")
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestReplayIntegrityKey(t *testing.T) {
	clock := NewManualClock(testStart)
	store := persist.NewMemoryStore()
	withKey := func(key string) func(*Options) {
		return func(o *Options) { o.Replay.IntegrityKey = []byte(key) }
	}

	rs := createTestReplay(t, store, clock, withKey("0123456789abcdef0123456789abcdef"))
	require.NoError(t, rs.Record(seen(clock, "m1", "alice", time.Hour)))

	same := createTestReplay(t, store, clock, withKey("0123456789abcdef0123456789abcdef"))
	has, err := same.Has("m1", "alice")
	require.NoError(t, err)
	assert.True(t, has)

	other := createTestReplay(t, store, clock, withKey("fedcba9876543210fedcba9876543210"))
	has, err = other.Has("m1", "alice")
	require.NoError(t, err)
	assert.False(t, has)

	unkeyed := createTestReplay(t, store, clock, nil)
	has, err = unkeyed.Has("m1", "alice")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestReplayCapacity(t *testing.T) {
	clock := NewManualClock(testStart)
	rs := createTestReplay(t, persist.NewMemoryStore(), clock, func(o *Options) {
		o.Replay.Capacity = 2
	})

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, rs.Record(seen(clock, id, "alice", time.Hour)))
		clock.Advance(time.Second)
	}
	assert.Equal(t, 2, rs.Len())

	has, err := rs.Has("m1", "alice")
	require.NoError(t, err)
	assert.False(t, has, "oldest message is evicted first")
	has, err = rs.Has("m3", "alice")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestReplayPurgeExpired(t *testing.T) {
	clock := NewManualClock(testStart)
	store := persist.NewMemoryStore()
	m, err := metrics.New(nil)
	require.NoError(t, err)
	rs := NewReplayStore(store, createTestOptions(clock), m)

	require.NoError(t, rs.Record(seen(clock, "short", "alice", time.Minute)))
	require.NoError(t, rs.Record(seen(clock, "long", "alice", 48*time.Hour)))
	require.NoError(t, rs.Record(seen(clock, "medium", "alice", 12*time.Hour)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ReplayLedgerSize))

	clock.Advance(2 * time.Minute)
	removed, err := rs.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// retention bounds entries whose expiry lies further out
	clock.Advance(DefaultReplayRetention)
	removed, err = rs.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, rs.Len())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReplayLedgerSize))
}

func TestReplayClearAll(t *testing.T) {
	clock := NewManualClock(testStart)
	store := persist.NewMemoryStore()
	rs := createTestReplay(t, store, clock, nil)
	require.NoError(t, rs.Record(seen(clock, "m1", "alice", time.Hour)))

	require.NoError(t, rs.ClearAll())
	assert.Equal(t, 0, rs.Len())
	_, err := store.Get(keyReplayLedger)
	require.ErrorIs(t, err, persist.ErrNotFound)

	require.NoError(t, rs.ClearAll(), "clearing an empty ledger succeeds")
}
