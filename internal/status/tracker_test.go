package status

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginIsSingleFlight(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, StateIdle, tr.Snapshot().State)
	require.True(t, tr.Begin())
	assert.False(t, tr.Begin())
	tr.Ready("ok")
	assert.True(t, tr.Begin())
	tr.Fail("boom")
	assert.True(t, tr.Begin())
}

func TestConcurrentBeginHasOneWinner(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Begin() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPercentNormalisation(t *testing.T) {
	tr := NewTracker()
	tr.Begin()
	tr.Update("embed", 40, "")
	assert.InDelta(t, 0.40, tr.Snapshot().Percent, 1e-9)
	tr.Update("embed", 250, "")
	assert.Equal(t, 1.0, tr.Snapshot().Percent)

	tr.Reset()
	tr.Update("", -5, "")
	assert.Zero(t, tr.Snapshot().Percent)
}

func TestPercentIsMonotonicWhileBuilding(t *testing.T) {
	tr := NewTracker()
	tr.Begin()
	tr.Update("split", 0.10, "a")
	tr.Update("embed", 0.60, "b")
	tr.Update("embed", 0.40, "c")
	snap := tr.Snapshot()
	assert.Equal(t, 0.60, snap.Percent)
	assert.Equal(t, "embed", snap.Step)
	assert.Equal(t, []string{"a", "b", "c"}, snap.Logs)

	tr.Ready("Índice RAG pronto ok")
	snap = tr.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, 1.0, snap.Percent)
	assert.Equal(t, "Índice RAG pronto ok", snap.Logs[len(snap.Logs)-1])
}

func TestBeginClearsPreviousRun(t *testing.T) {
	tr := NewTracker()
	tr.Begin()
	tr.Update("embed", 0.5, "line")
	tr.Fail("Rate limit excedido.")
	snap := tr.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "Rate limit excedido.", snap.Err)

	tr.Begin()
	snap = tr.Snapshot()
	assert.Equal(t, StateBuilding, snap.State)
	assert.Equal(t, "init", snap.Step)
	assert.Zero(t, snap.Percent)
	assert.Empty(t, snap.Err)
	assert.Empty(t, snap.Logs)
}

func TestLogsKeepMostRecent(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < MaxLogs+50; i++ {
		tr.Log(fmt.Sprintf("line %d", i))
	}
	logs := tr.Snapshot().Logs
	require.Len(t, logs, MaxLogs)
	assert.Equal(t, "line 50", logs[0])
	assert.Equal(t, fmt.Sprintf("line %d", MaxLogs+49), logs[MaxLogs-1])

	tail := tr.TailLogs(3)
	assert.Equal(t, []string{"line 247", "line 248", "line 249"}, tail)
	assert.Len(t, tr.TailLogs(1000), MaxLogs)
}

func TestUpdatesCoalesce(t *testing.T) {
	tr := NewTracker()
	tr.Begin()
	for i := 1; i <= 10; i++ {
		tr.Update("embed", float64(i)/10, "")
	}
	snap := <-tr.Updates()
	assert.Equal(t, 1.0, snap.Percent)
	select {
	case <-tr.Updates():
		t.Fatal("only the latest snapshot should be pending")
	default:
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.Log("first")
	snap := tr.Snapshot()
	snap.Logs[0] = "mutated"
	assert.Equal(t, "first", tr.Snapshot().Logs[0])
}
