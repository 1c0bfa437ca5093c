package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schlep/schlep/sandbox"
)

func TestNewHandleUniqueTokens(t *testing.T) {
	s := New("alice")
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		h, err := s.NewHandle(sandbox.KindFile, nil, "/pub/a")
		require.NoError(t, err)
		assert.False(t, seen[h.ID])
		seen[h.ID] = true
	}
	assert.Equal(t, 100, s.HandleCount())
}

func TestLookupUnknownHandle(t *testing.T) {
	s := New("alice")
	_, ok := s.Lookup("does-not-exist")
	assert.False(t, ok)
}

// TestHandleTableEmptyIffClosed covers the handle-table invariant of
// spec.md §8: the table is empty iff the session is closed or every OPEN
// has a matching CLOSE.
func TestHandleTableEmptyIffClosed(t *testing.T) {
	s := New("alice")
	h1, err := s.NewHandle(sandbox.KindFile, nil, "/pub/a")
	require.NoError(t, err)
	_, err = s.NewHandle(sandbox.KindFile, nil, "/pub/b")
	require.NoError(t, err)
	assert.Equal(t, 2, s.HandleCount())

	require.NoError(t, s.CloseHandle(h1.ID))
	assert.Equal(t, 1, s.HandleCount())

	s.Teardown()
	assert.Equal(t, 0, s.HandleCount())
}

func TestCloseHandleUnknownIsNoop(t *testing.T) {
	s := New("alice")
	assert.NoError(t, s.CloseHandle("nope"))
}

func TestConcurrentHandleCreation(t *testing.T) {
	s := New("alice")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.NewHandle(sandbox.KindDir, nil, "/")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, s.HandleCount())
}
