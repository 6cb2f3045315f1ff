package gateway

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/talkschnell/internal/logger"
)

// Run settlement statuses.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunTimedOut  = "timeout"
)

const (
	// DefaultRunDeadline bounds how long a run may stream without reaching
	// a terminal lifecycle phase.
	DefaultRunDeadline = 60 * time.Second

	// Events can arrive before the accept response reveals the run ID.
	// Buffering is bounded: at most maxEarlyEvents events, each kept for
	// at most earlyEventWindow. Beyond either bound, events are dropped.
	maxEarlyEvents   = 64
	earlyEventWindow = 10 * time.Second

	// Settled run IDs are remembered for settledWindow so late redelivery
	// after settlement is dropped instead of re-buffered.
	settledWindow = 60 * time.Second
)

// RunResult is the settled outcome of one agent run.
type RunResult struct {
	RunID          string
	Status         string
	Text           string
	ConversationID string
}

type fragment struct {
	seq  int64
	text string
}

// runCollector turns the event stream of a single run into one settled
// result. Duplicate sequence numbers are discarded and assistant fragments
// are assembled in sequence-number order, not arrival order.
type runCollector struct {
	runID string

	mu      sync.Mutex
	seen    map[int64]struct{}
	frags   []fragment
	settled bool
	result  RunResult
	err     error

	done     chan struct{}
	deadline *time.Timer
	onSettle func(runID string)
	log      *logger.Logger
}

func newRunCollector(runID string, deadline time.Duration, onSettle func(string), log *logger.Logger) *runCollector {
	c := &runCollector{
		runID:    runID,
		seen:     make(map[int64]struct{}),
		done:     make(chan struct{}),
		onSettle: onSettle,
		log:      log,
	}
	c.deadline = time.AfterFunc(deadline, c.timeout)
	return c
}

// ingest consumes one stream event for this run. Events after settlement
// and redelivered sequence numbers are no-ops.
func (c *runCollector) ingest(p *AgentEventPayload) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return
	}
	if _, dup := c.seen[p.Seq]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[p.Seq] = struct{}{}

	switch p.Stream {
	case StreamAssistant:
		c.insertFragment(fragment{seq: p.Seq, text: p.Data.Fragment()})
		c.mu.Unlock()

	case StreamLifecycle:
		switch p.Data.Phase {
		case PhaseEnd:
			text := c.assembleLocked()
			c.settleLocked(RunResult{RunID: c.runID, Status: RunCompleted, Text: text}, nil)
			c.mu.Unlock()
		case PhaseError:
			msg := p.Data.Error
			if msg == "" {
				msg = "agent run failed"
			}
			c.settleLocked(RunResult{RunID: c.runID, Status: RunFailed}, &RunError{RunID: c.runID, Message: msg})
			c.mu.Unlock()
		default:
			// Non-terminal lifecycle phases (start, thinking, ...) carry no
			// text and need no handling here.
			c.mu.Unlock()
		}

	default:
		// Unknown stream tags are tolerated for forward compatibility.
		c.mu.Unlock()
	}
}

// insertFragment keeps frags sorted by sequence number so out-of-order
// delivery still assembles in stream order. Caller holds c.mu.
func (c *runCollector) insertFragment(f fragment) {
	i := sort.Search(len(c.frags), func(i int) bool { return c.frags[i].seq > f.seq })
	c.frags = append(c.frags, fragment{})
	copy(c.frags[i+1:], c.frags[i:])
	c.frags[i] = f
}

// assembleLocked concatenates fragments in sequence order. Caller holds c.mu.
func (c *runCollector) assembleLocked() string {
	var sb strings.Builder
	for _, f := range c.frags {
		sb.WriteString(f.text)
	}
	return sb.String()
}

func (c *runCollector) settleLocked(result RunResult, err error) {
	if c.settled {
		return
	}
	c.settled = true
	c.result = result
	c.err = err
	c.deadline.Stop()
	close(c.done)
	if c.onSettle != nil {
		go c.onSettle(c.runID)
	}
}

func (c *runCollector) timeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return
	}
	c.log.Warn("run %s reached deadline without terminal phase", c.runID)
	c.settleLocked(RunResult{RunID: c.runID, Status: RunTimedOut}, ErrRunTimeout)
}

// wait blocks until the run settles or the context is cancelled.
func (c *runCollector) wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err != nil {
			return nil, c.err
		}
		result := c.result
		return &result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type earlyEvent struct {
	payload *AgentEventPayload
	at      time.Time
}

// runTable tracks active collectors by run ID and buffers events that
// arrive before their run ID is known. Multiple concurrent runs on the
// same connection are isolated by run ID.
type runTable struct {
	mu      sync.Mutex
	active  map[string]*runCollector
	settled map[string]time.Time
	early   []earlyEvent
	log     *logger.Logger
}

func newRunTable(log *logger.Logger) *runTable {
	if log == nil {
		log = logger.Global()
	}
	return &runTable{
		active:  make(map[string]*runCollector),
		settled: make(map[string]time.Time),
		log:     log.WithComponent("runs"),
	}
}

// route delivers an agent stream event to its collector. Events for runs
// that already settled are dropped silently (late redelivery is expected
// under at-least-once delivery); events for runs not yet known are
// buffered within the documented bounds.
func (t *runTable) route(p *AgentEventPayload) {
	t.mu.Lock()
	t.pruneLocked(time.Now())

	if c, ok := t.active[p.RunID]; ok {
		t.mu.Unlock()
		c.ingest(p)
		return
	}

	if _, was := t.settled[p.RunID]; was {
		t.mu.Unlock()
		return
	}

	if len(t.early) >= maxEarlyEvents {
		t.log.Warn("early event buffer full, dropping event for run %s seq %d", p.RunID, p.Seq)
		t.mu.Unlock()
		return
	}
	t.early = append(t.early, earlyEvent{payload: p, at: time.Now()})
	t.mu.Unlock()
}

// adopt creates the collector for a freshly accepted run and replays any
// buffered events for it in arrival order.
func (t *runTable) adopt(runID string, deadline time.Duration) *runCollector {
	c := newRunCollector(runID, deadline, t.retire, t.log)

	t.mu.Lock()
	t.active[runID] = c
	var replay []*AgentEventPayload
	kept := t.early[:0]
	for _, e := range t.early {
		if e.payload.RunID == runID {
			replay = append(replay, e.payload)
		} else {
			kept = append(kept, e)
		}
	}
	t.early = kept
	t.mu.Unlock()

	for _, p := range replay {
		c.ingest(p)
	}
	return c
}

// retire moves a settled run into the recently-settled set.
func (t *runTable) retire(runID string) {
	t.mu.Lock()
	delete(t.active, runID)
	t.settled[runID] = time.Now()
	t.mu.Unlock()
}

// clear drops every early-buffered event. Active collectors are left to
// reach their own deadlines so callers still get a settlement.
func (t *runTable) clear() {
	t.mu.Lock()
	t.early = nil
	t.mu.Unlock()
}

// activeRuns returns the IDs of runs still streaming.
func (t *runTable) activeRuns() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// pruneLocked expires stale early events and old settled markers.
// Caller holds t.mu.
func (t *runTable) pruneLocked(now time.Time) {
	kept := t.early[:0]
	for _, e := range t.early {
		if now.Sub(e.at) <= earlyEventWindow {
			kept = append(kept, e)
		}
	}
	t.early = kept

	for id, at := range t.settled {
		if now.Sub(at) > settledWindow {
			delete(t.settled, id)
		}
	}
}
