package tryst

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"southwinds.dev/tryst/internal/metrics"
	"southwinds.dev/tryst/persist"
)

const replayLedgerVersion = 1

// SeenMessage is one ledger entry. Times are Unix milliseconds.
type SeenMessage struct {
	MessageID         string `json:"message_id"`
	SenderFingerprint string `json:"sender_fingerprint"`
	Timestamp         int64  `json:"timestamp"`
	ExpiresAt         int64  `json:"expires_at"`
	ReceiptTime       int64  `json:"receipt_time"`
	IntegrityTag      string `json:"integrity_tag"`
}

func (m SeenMessage) ledgerKey() string {
	return m.MessageID + "|" + m.SenderFingerprint
}

type replayLedger struct {
	Version int           `json:"version"`
	Entries []SeenMessage `json:"entries"`
}

// ReplayStore remembers which (message id, sender) pairs have been delivered.
//
// The ledger is one JSON blob under replay/ledger, loaded on first use. Every
// entry carries an integrity tag over its other fields; entries whose tag does
// not verify are dropped when loaded. Entries leave the ledger when the
// message expires, when the receipt is older than the retention window, or
// when the capacity is exceeded (oldest message timestamp first).
//
// On a persist.VersionedStore each save re-reads the stored ledger, merges it
// with the in-memory set and writes with compare and swap, so processes sharing
// a store do not lose each other's entries. Plain stores get last-writer-wins.
type ReplayStore struct {
	mu      sync.Mutex
	store   persist.Store
	config  ReplayConfig
	clock   Clock
	retry   RetryConfig
	metrics *metrics.Metrics
	log     *logrus.Entry

	loaded  bool
	entries map[string]SeenMessage
}

func NewReplayStore(store persist.Store, options Options, m *metrics.Metrics) *ReplayStore {
	options = options.withDefaults()
	return &ReplayStore{
		store:   store,
		config:  options.Replay,
		clock:   options.Clock,
		retry:   DefaultRetryConfig(),
		metrics: m,
		log:     options.Logger.WithField("component", "replay"),
		entries: make(map[string]SeenMessage),
	}
}

// Has reports whether the pair has already been recorded
func (rs *ReplayStore) Has(messageID, senderFingerprint string) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.ensureLoaded(); err != nil {
		return false, err
	}
	rs.entries = rs.prune(rs.entries)
	_, seen := rs.entries[messageID+"|"+senderFingerprint]
	return seen, nil
}

// Record adds entry to the ledger and persists it. ReceiptTime defaults to now
// and the integrity tag is always recomputed.
func (rs *ReplayStore) Record(entry SeenMessage) error {
	if entry.MessageID == "" || entry.SenderFingerprint == "" {
		return fmt.Errorf("message id and sender fingerprint are required")
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.ensureLoaded(); err != nil {
		return err
	}
	if entry.ReceiptTime == 0 {
		entry.ReceiptTime = rs.clock.Now().UnixMilli()
	}
	entry.IntegrityTag = rs.tag(entry)
	rs.entries[entry.ledgerKey()] = entry

	return rs.save()
}

// PurgeExpired drops expired and out-of-retention entries and returns how many
// were removed
func (rs *ReplayStore) PurgeExpired() (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.ensureLoaded(); err != nil {
		return 0, err
	}
	before := len(rs.entries)
	rs.entries = rs.prune(rs.entries)
	removed := before - len(rs.entries)

	if err := rs.save(); err != nil {
		return removed, err
	}
	return removed, nil
}

// ClearAll forgets every entry, in memory and in the store
func (rs *ReplayStore) ClearAll() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.store.Delete(keyReplayLedger); err != nil && !errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("failed to delete replay ledger: %w", err)
	}
	rs.entries = make(map[string]SeenMessage)
	rs.loaded = true
	rs.metrics.SetLedgerSize(0)
	return nil
}

// Len is the number of entries in the working set
func (rs *ReplayStore) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.entries)
}

// Size loads the ledger if needed and counts the live entries
func (rs *ReplayStore) Size() (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.ensureLoaded(); err != nil {
		return 0, err
	}
	rs.entries = rs.prune(rs.entries)
	return len(rs.entries), nil
}

// Reset drops the in-memory set so the next call reloads from the store
func (rs *ReplayStore) Reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.entries = make(map[string]SeenMessage)
	rs.loaded = false
}

func (rs *ReplayStore) ensureLoaded() error {
	if rs.loaded {
		return nil
	}
	data, err := rs.store.Get(keyReplayLedger)
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("failed to load replay ledger: %w", err)
	}
	for k, v := range rs.decode(data) {
		rs.entries[k] = v
	}
	rs.entries = rs.prune(rs.entries)
	rs.loaded = true
	rs.metrics.SetLedgerSize(len(rs.entries))
	return nil
}

// save merges the working set into the stored ledger
func (rs *ReplayStore) save() error {
	var merged map[string]SeenMessage
	err := updateBlob(rs.store, rs.retry, keyReplayLedger, func(current []byte) ([]byte, error) {
		merged = rs.decode(current)
		for k, v := range rs.entries {
			merged[k] = v
		}
		merged = rs.prune(merged)
		return rs.encode(merged)
	})
	if err != nil {
		return fmt.Errorf("failed to persist replay ledger: %w", err)
	}
	rs.entries = merged
	rs.metrics.SetLedgerSize(len(rs.entries))
	return nil
}

// decode parses a stored ledger, dropping entries whose tag does not verify
func (rs *ReplayStore) decode(data []byte) map[string]SeenMessage {
	out := make(map[string]SeenMessage)
	if len(data) == 0 {
		return out
	}

	var ledger replayLedger
	if err := json.Unmarshal(data, &ledger); err != nil {
		rs.log.WithError(err).Warn("replay ledger unreadable, starting empty")
		return out
	}
	dropped := 0
	for _, e := range ledger.Entries {
		if !hmac.Equal([]byte(e.IntegrityTag), []byte(rs.tag(e))) {
			dropped++
			continue
		}
		out[e.ledgerKey()] = e
	}
	if dropped > 0 {
		rs.log.WithField("dropped", dropped).Warn("replay ledger entries failed integrity check")
	}
	return out
}

func (rs *ReplayStore) encode(entries map[string]SeenMessage) ([]byte, error) {
	list := make([]SeenMessage, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Timestamp != list[j].Timestamp {
			return list[i].Timestamp < list[j].Timestamp
		}
		return list[i].ledgerKey() < list[j].ledgerKey()
	})
	return json.Marshal(replayLedger{Version: replayLedgerVersion, Entries: list})
}

// prune applies expiry, retention and capacity
func (rs *ReplayStore) prune(entries map[string]SeenMessage) map[string]SeenMessage {
	now := rs.clock.Now().UnixMilli()
	retention := rs.config.Retention.Milliseconds()

	for k, e := range entries {
		if now > e.ExpiresAt || now-e.ReceiptTime > retention {
			delete(entries, k)
		}
	}

	if excess := len(entries) - rs.config.Capacity; excess > 0 {
		oldest := make([]SeenMessage, 0, len(entries))
		for _, e := range entries {
			oldest = append(oldest, e)
		}
		sort.Slice(oldest, func(i, j int) bool {
			return oldest[i].Timestamp < oldest[j].Timestamp
		})
		for _, e := range oldest[:excess] {
			delete(entries, e.ledgerKey())
		}
	}
	return entries
}

func (rs *ReplayStore) tag(e SeenMessage) string {
	var h hash.Hash
	if len(rs.config.IntegrityKey) > 0 {
		h = hmac.New(sha256.New, rs.config.IntegrityKey)
	} else {
		h = sha256.New()
	}
	fmt.Fprintf(h, "%s|%s|%d|%d|%d", e.MessageID, e.SenderFingerprint, e.Timestamp, e.ExpiresAt, e.ReceiptTime)
	return hex.EncodeToString(h.Sum(nil))
}
