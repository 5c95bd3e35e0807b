package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed() func() time.Time {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestAppend_ChainsEntries(t *testing.T) {
	l := New().WithClock(fixed())
	assert.Equal(t, "genesis", l.Head())
	assert.Equal(t, 0, l.Length())

	seq, err := l.Append(EntryTicketOpened, "contract-1", "client-1", map[string]any{
		"ticket_id":   "cancel-1",
		"ticket_type": "cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	first, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "genesis", first.PrevHash)
	assert.Equal(t, first.ContentHash, l.Head())
	assert.Contains(t, first.ContentHash, "sha256:")

	seq, err = l.Append(EntryTicketTransition, "contract-1", "artist-1", map[string]any{
		"ticket_id": "cancel-1",
		"status":    "accepted",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	second, err := l.Get(2)
	require.NoError(t, err)
	assert.Equal(t, first.ContentHash, second.PrevHash)
	assert.Equal(t, second.ContentHash, l.Head())
	assert.Equal(t, 2, l.Length())
}

func TestGet_OutOfRange(t *testing.T) {
	l := New()
	_, err := l.Get(0)
	assert.Error(t, err)
	_, err = l.Get(1)
	assert.Error(t, err)
}

func TestForContract_FiltersInOrder(t *testing.T) {
	l := New().WithClock(fixed())
	_, err := l.Append(EntryTicketOpened, "contract-1", "client-1", map[string]any{"ticket_id": "a"})
	require.NoError(t, err)
	_, err = l.Append(EntryTicketOpened, "contract-2", "client-2", map[string]any{"ticket_id": "b"})
	require.NoError(t, err)
	_, err = l.Append(EntrySettlement, "contract-1", "", map[string]any{"artist_amount": int64(50000)})
	require.NoError(t, err)

	got := l.ForContract("contract-1")
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, EntrySettlement, got[1].EntryType)

	assert.Empty(t, l.ForContract("contract-9"))
}

func TestVerify_DetectsTampering(t *testing.T) {
	l := New().WithClock(fixed())
	for _, et := range []string{EntryTicketOpened, EntryEscrowIntent, EntryEscrowConfirmed, EntrySettlement} {
		_, err := l.Append(et, "contract-1", "client-1", map[string]any{"entry": et})
		require.NoError(t, err)
	}

	ok, msg := l.Verify()
	assert.True(t, ok, msg)

	l.entries[1].Data["entry"] = "rewritten after the fact"
	ok, msg = l.Verify()
	assert.False(t, ok)
	assert.Contains(t, msg, "entry 2")
}

func TestVerify_DetectsBrokenChain(t *testing.T) {
	l := New().WithClock(fixed())
	_, err := l.Append(EntryTicketOpened, "contract-1", "client-1", nil)
	require.NoError(t, err)
	_, err = l.Append(EntryTicketExpired, "contract-1", "", nil)
	require.NoError(t, err)

	l.entries[1].PrevHash = "sha256:0000"
	ok, msg := l.Verify()
	assert.False(t, ok)
	assert.Contains(t, msg, "chain broken")
}

func TestAppend_SameInputsSameHash(t *testing.T) {
	a := New().WithClock(fixed())
	b := New().WithClock(fixed())
	data := map[string]any{"ticket_id": "rev-1", "fee": int64(20000)}

	_, err := a.Append(EntryEscrowIntent, "contract-1", "client-1", data)
	require.NoError(t, err)
	_, err = b.Append(EntryEscrowIntent, "contract-1", "client-1", data)
	require.NoError(t, err)

	assert.Equal(t, a.Head(), b.Head())
}
