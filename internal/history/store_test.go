package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, ringSize int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(nil, path, ringSize)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndReadWithinRing(t *testing.T) {
	s := openTestStore(t, 10)
	s.Append("main", DirectionUser, "hi")
	s.Append("main", DirectionAssistant, "hello")

	entries, err := s.Read("main", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, DirectionUser, entries[0].Direction)
	assert.Equal(t, "hi", entries[0].Text)
	assert.Equal(t, DirectionAssistant, entries[1].Direction)
	assert.Equal(t, "hello", entries[1].Text)
}

// TestStore_OverflowSpillsDurably pushes more than the ring size and
// confirms the oldest entries are recoverable from the durable backend.
func TestStore_OverflowSpillsDurably(t *testing.T) {
	s := openTestStore(t, 3)
	for i := 0; i < 7; i++ {
		s.Append("main", DirectionUser, string(rune('a'+i)))
	}

	// Give the async durable writer a moment to drain.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries, err := s.Read("main", 7)
		require.NoError(t, err)
		if len(entries) == 7 {
			assert.Equal(t, "a", entries[0].Text)
			assert.Equal(t, "g", entries[6].Text)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("durable overflow never caught up with 7 appended entries")
}

func TestStore_ReadMoreThanExists(t *testing.T) {
	s := openTestStore(t, 5)
	s.Append("main", DirectionUser, "only one")

	entries, err := s.Read("main", 50)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStore_DropClearsRingAndDurable(t *testing.T) {
	s := openTestStore(t, 2)
	for i := 0; i < 5; i++ {
		s.Append("main", DirectionUser, string(rune('a'+i)))
	}
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Drop("main"))

	entries, err := s.Read("main", 50)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_SeparateSessionsDoNotMix(t *testing.T) {
	s := openTestStore(t, 10)
	s.Append("alpha", DirectionUser, "alpha msg")
	s.Append("beta", DirectionUser, "beta msg")

	alphaEntries, err := s.Read("alpha", 10)
	require.NoError(t, err)
	require.Len(t, alphaEntries, 1)
	assert.Equal(t, "alpha msg", alphaEntries[0].Text)

	betaEntries, err := s.Read("beta", 10)
	require.NoError(t, err)
	require.Len(t, betaEntries, 1)
	assert.Equal(t, "beta msg", betaEntries[0].Text)
}
