package status

import (
	"sync"
	"time"
)

// MaxLogs is the number of log lines a Tracker keeps.
const MaxLogs = 200

// State is the lifecycle state of an index build.
type State string

const (
	StateIdle     State = "idle"
	StateBuilding State = "building"
	StateReady    State = "ready"
	StateError    State = "error"
)

// Snapshot is a consistent copy of the tracker state.
type Snapshot struct {
	State   State
	Step    string
	Percent float64
	Logs    []string
	Err     string
	Updated time.Time
}

// Tracker records the progress of one build at a time. Percent never
// decreases while a build is running.
type Tracker struct {
	mu      sync.Mutex
	state   State
	step    string
	percent float64
	logs    ring
	err     string
	updated time.Time
	updates chan Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{
		state:   StateIdle,
		logs:    newRing(MaxLogs),
		updates: make(chan Snapshot, 1),
	}
}

// Begin moves the tracker into the building state and clears the previous
// run. It reports false, changing nothing, if a build is already running.
func (t *Tracker) Begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateBuilding {
		return false
	}
	t.state = StateBuilding
	t.step = "init"
	t.percent = 0
	t.err = ""
	t.logs.reset()
	t.publishLocked()
	return true
}

// Update records a step, a progress value and a log line. Any of them may be
// left empty (pct < 0 leaves progress unchanged). Values above 1 are read as
// percentages.
func (t *Tracker) Update(step string, pct float64, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if step != "" {
		t.step = step
	}
	if pct >= 0 {
		p := normalize(pct)
		if t.state != StateBuilding || p > t.percent {
			t.percent = p
		}
	}
	if line != "" {
		t.logs.add(line)
	}
	t.publishLocked()
}

// Log appends a line without touching progress.
func (t *Tracker) Log(line string) { t.Update("", -1, line) }

// Ready finishes the current build successfully.
func (t *Tracker) Ready(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateReady
	t.step = "done"
	t.percent = 1
	t.err = ""
	if line != "" {
		t.logs.add(line)
	}
	t.publishLocked()
}

// Fail finishes the current build with an error detail.
func (t *Tracker) Fail(detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateError
	t.step = "error"
	t.percent = 0
	t.err = detail
	if detail != "" {
		t.logs.add(detail)
	}
	t.publishLocked()
}

// Reset returns the tracker to idle.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateIdle
	t.step = ""
	t.percent = 0
	t.err = ""
	t.logs.reset()
	t.publishLocked()
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// TailLogs returns at most n of the most recent log lines, oldest first.
func (t *Tracker) TailLogs(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.logs.lines()
	if n >= 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Updates delivers snapshots after each change. Only the latest pending
// snapshot is kept, so slow readers see coalesced updates and writers never
// block.
func (t *Tracker) Updates() <-chan Snapshot { return t.updates }

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		State:   t.state,
		Step:    t.step,
		Percent: t.percent,
		Logs:    t.logs.lines(),
		Err:     t.err,
		Updated: t.updated,
	}
}

func (t *Tracker) publishLocked() {
	t.updated = time.Now()
	snap := t.snapshotLocked()
	select {
	case <-t.updates:
	default:
	}
	select {
	case t.updates <- snap:
	default:
	}
}

func normalize(p float64) float64 {
	if p > 1 {
		p /= 100
	}
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// ring is a fixed-capacity buffer of log lines that evicts the oldest.
type ring struct {
	buf   []string
	start int
	n     int
}

func newRing(capacity int) ring { return ring{buf: make([]string, capacity)} }

func (r *ring) add(line string) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = line
		r.n++
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) lines() []string {
	out := make([]string, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) reset() {
	clear(r.buf)
	r.start, r.n = 0, 0
}
