package status

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jalmeida85/vector-pmda/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), testutil.Logger(t))
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{value: "DONE", want: true},
		{value: "DONE cpuflamegraph/cpuflamegraph.7.svg", want: true},
		{value: "ERROR", want: true},
		{value: "ERROR perf not found", want: true},
		{value: "REQUESTED", want: false},
		{value: "running, 10/30 seconds", want: false},
		{value: "DONEish", want: false},
		{value: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTerminal(tt.value))
		})
	}
}

func TestGetAbsent(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.Get("cpuflamegraph", 1)
	assert.False(t, ok)
}

func TestSetGetClear(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("cpuflamegraph", 7, "running, 5/30 seconds"))

	value, ok := s.Get("cpuflamegraph", 7)
	require.True(t, ok)
	assert.Equal(t, "running, 5/30 seconds", value)

	require.NoError(t, s.Clear("cpuflamegraph", 7))
	_, ok = s.Get("cpuflamegraph", 7)
	assert.False(t, ok)

	// Clearing an already-idle key is not an error.
	require.NoError(t, s.Clear("cpuflamegraph", 7))
}

func TestGetFirstLineOnly(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("offcpuflamegraph", 3, "REQUESTED"))

	value, ok := s.Get("offcpuflamegraph", 3)
	require.True(t, ok)
	assert.Equal(t, "REQUESTED", value)
}

func TestGetUnreadableRecordIsUnknown(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("cpuflamegraph", 2, "x"))

	// Truncate to an empty file: present but carries no status line.
	path := filepath.Join(s.Root(), "cpuflamegraph", "cpuflamegraph.2.status")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	value, ok := s.Get("cpuflamegraph", 2)
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, value)
}

func TestAdmitIdleKey(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.Admit("cpuflamegraph", 7)
	require.NoError(t, err)
	assert.True(t, ok)

	value, present := s.Get("cpuflamegraph", 7)
	require.True(t, present)
	assert.Equal(t, StatusRequested, value)
}

func TestAdmitBusyKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("cpuflamegraph", 7, "running, 10/30 seconds"))

	ok, err := s.Admit("cpuflamegraph", 7)
	require.NoError(t, err)
	assert.False(t, ok)

	// The in-flight record must be untouched.
	value, _ := s.Get("cpuflamegraph", 7)
	assert.Equal(t, "running, 10/30 seconds", value)
}

func TestAdmitAfterError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("cpuflamegraph", 7, "ERROR perf not found"))

	ok, err := s.Admit("cpuflamegraph", 7)
	require.NoError(t, err)
	assert.True(t, ok)

	value, _ := s.Get("cpuflamegraph", 7)
	assert.Equal(t, StatusRequested, value)
}

func TestAdmitSingleFlightUnderContention(t *testing.T) {
	s := newTestStore(t)

	const goroutines = 16
	var wg sync.WaitGroup
	admitted := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Admit("cpuflamegraph", 7)
			require.NoError(t, err)
			admitted <- ok
		}()
	}
	wg.Wait()
	close(admitted)

	wins := 0
	for ok := range admitted {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent admission must win")
}

func TestConsumeDoneIsOneShot(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("cpuflamegraph", 7, StatusDone))

	value, ok := s.Consume("cpuflamegraph", 7)
	require.True(t, ok)
	assert.Equal(t, StatusDone, value)

	// The record is gone after the first consumption.
	_, ok = s.Consume("cpuflamegraph", 7)
	assert.False(t, ok)
}

func TestConsumeErrorNotCleared(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("cpuflamegraph", 7, "ERROR tool failed"))

	value, ok := s.Consume("cpuflamegraph", 7)
	require.True(t, ok)
	assert.Equal(t, "ERROR tool failed", value)

	// ERROR records survive fetches; only the next admitted store
	// replaces them.
	value, ok = s.Consume("cpuflamegraph", 7)
	require.True(t, ok)
	assert.Equal(t, "ERROR tool failed", value)
}

func TestConsumeProgressNotCleared(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("cpuflamegraph", 7, "running, 15/30 seconds"))

	value, ok := s.Consume("cpuflamegraph", 7)
	require.True(t, ok)
	assert.Equal(t, "running, 15/30 seconds", value)

	_, ok = s.Get("cpuflamegraph", 7)
	assert.True(t, ok)
}

func TestSweep(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("cpuflamegraph", 1, "running"))
	require.NoError(t, s.Set("cpuflamegraph", 2, StatusDone))
	require.NoError(t, s.Set("offcpuflamegraph", 1, "ERROR x"))

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, ok := s.Get("cpuflamegraph", 1)
	assert.False(t, ok)
	_, ok = s.Get("offcpuflamegraph", 1)
	assert.False(t, ok)
}

func TestKeysAreIndependent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("cpuflamegraph", 1, "running"))

	// Same metric, different client context.
	ok, err := s.Admit("cpuflamegraph", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// Different metric, same context.
	ok, err = s.Admit("pagefaultflamegraph", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
