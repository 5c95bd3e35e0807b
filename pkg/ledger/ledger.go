// Package ledger records every ticket transition and financial
// settlement in an append-only, hash-chained audit log. Entries are
// canonicalized (RFC 8785 JCS) before hashing so two processes that
// witness the same transition compute the same hash.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// EntryType names the audited event classes.
const (
	EntryTicketOpened     = "ticket.opened"
	EntryTicketTransition = "ticket.transition"
	EntryTicketExpired    = "ticket.expired"
	EntryChangeApplied    = "change.applied"
	EntryEscrowIntent     = "escrow.intent"
	EntryEscrowConfirmed  = "escrow.confirmed"
	EntrySettlement       = "settlement"
)

// Entry is an immutable, hash-chained audit record.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EntryType   string         `json:"entry_type"`
	ContractID  string         `json:"contract_id"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Actor       string         `json:"actor,omitempty"`
	Data        map[string]any `json:"data"`
}

// Ledger is an append-only, hash-chained log.
type Ledger struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries:  make([]Entry, 0),
		headHash: "genesis",
		clock:    time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func entryHash(seq uint64, entryType, contractID, prevHash string, data map[string]any) (string, error) {
	hashInput := struct {
		Seq      uint64         `json:"seq"`
		Type     string         `json:"type"`
		Contract string         `json:"contract"`
		Data     map[string]any `json:"data"`
		PrevHash string         `json:"prev"`
	}{seq, entryType, contractID, data, prevHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Append adds an entry and returns its sequence number.
func (l *Ledger) Append(entryType, contractID, actor string, data map[string]any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	contentHash, err := entryHash(seq, entryType, contractID, l.headHash, data)
	if err != nil {
		return 0, err
	}

	entry := Entry{
		Sequence:    seq,
		EntryType:   entryType,
		ContractID:  contractID,
		ContentHash: contentHash,
		PrevHash:    l.headHash,
		Timestamp:   l.clock(),
		Actor:       actor,
		Data:        data,
	}

	l.entries = append(l.entries, entry)
	l.headHash = contentHash
	return seq, nil
}

// Get retrieves an entry by sequence number.
func (l *Ledger) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("entry %d not found", seq)
	}
	entry := l.entries[seq-1]
	return &entry, nil
}

// ForContract returns all entries touching one contract, in order.
func (l *Ledger) ForContract(contractID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.ContractID == contractID {
			out = append(out, e)
		}
	}
	return out
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify checks the integrity of the entire chain.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := "genesis"
	for i, entry := range l.entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}
		computed, err := entryHash(entry.Sequence, entry.EntryType, entry.ContractID, entry.PrevHash, entry.Data)
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d", i+1)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}
	return true, "chain verified"
}
