package downloader

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/italolelis/modelshelf/internal/telemetry"
	"github.com/italolelis/modelshelf/internal/transfer"
)

// Sink observes download items. Both methods receive snapshots. Each sink has its
// own delivery goroutine and sees events one at a time, in the order they happened;
// a slow sink delays only itself. While a sink lags, consecutive progress events for
// the same item collapse into the latest one. A sink may call back into the Manager.
type Sink interface {
	OnStateChange(item transfer.Item)
	OnProgress(item transfer.Item)
}

// SinkFuncs adapts plain functions to a Sink. Nil fields are skipped.
type SinkFuncs struct {
	StateChange func(item transfer.Item)
	Progress    func(item transfer.Item)
}

func (f SinkFuncs) OnStateChange(item transfer.Item) {
	if f.StateChange != nil {
		f.StateChange(item)
	}
}

func (f SinkFuncs) OnProgress(item transfer.Item) {
	if f.Progress != nil {
		f.Progress(item)
	}
}

type eventKind int

const (
	eventStateChange eventKind = iota
	eventProgress
)

func (k eventKind) hook() string {
	if k == eventProgress {
		return "progress"
	}

	return "state_change"
}

type event struct {
	kind eventKind
	item transfer.Item
}

// dispatcher fans events out to one lane per sink, so a slow sink only delays itself.
// publish never blocks, so it is safe to call while holding the manager lock.
type dispatcher struct {
	logger *slog.Logger
	tel    *telemetry.Telemetry

	mu     sync.Mutex
	lanes  []*lane
	closed bool
}

// lane queues events for a single sink and delivers them from its own goroutine.
type lane struct {
	sink Sink

	mu     sync.Mutex
	queue  []event
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(logger *slog.Logger, tel *telemetry.Telemetry, sinks ...Sink) *dispatcher {
	d := &dispatcher{logger: logger, tel: tel}

	for _, s := range sinks {
		if s != nil {
			d.add(s)
		}
	}

	return d
}

func (d *dispatcher) add(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	l := &lane{sink: s, wake: make(chan struct{}, 1), done: make(chan struct{})}
	d.lanes = append(d.lanes, l)

	go d.run(l)
}

func (d *dispatcher) publish(kind eventKind, item transfer.Item) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	for _, l := range d.lanes {
		l.push(event{kind: kind, item: item})
	}
}

// close stops accepting events and waits until every lane drained its queue.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	lanes := d.lanes
	d.mu.Unlock()

	for _, l := range lanes {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.signal()
	}

	for _, l := range lanes {
		<-l.done
	}
}

// push appends ev. A progress event replaces a progress event for the same item
// still waiting at the tail, so a stalled sink holds at most one per item in a row.
func (l *lane) push(ev event) {
	l.mu.Lock()

	if n := len(l.queue); n > 0 && ev.kind == eventProgress {
		if last := l.queue[n-1]; last.kind == eventProgress && last.item.ID == ev.item.ID {
			l.queue[n-1] = ev
			l.mu.Unlock()

			return
		}
	}

	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	l.signal()
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(l *lane) {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()

				return
			}

			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}

		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, ev := range batch {
			d.deliver(l.sink, ev)
		}
	}
}

func (d *dispatcher) deliver(s Sink, ev event) {
	defer func() {
		if r := recover(); r != nil {
			err := &transfer.CallbackError{Hook: ev.kind.hook(), ItemID: ev.item.ID, Recovered: r}

			d.logger.Error("notification hook failed",
				"download_id", ev.item.ID,
				"err", err,
				"stack", string(debug.Stack()))
			d.tel.RecordHookError(err.Hook)
		}
	}()

	switch ev.kind {
	case eventProgress:
		s.OnProgress(ev.item)
	default:
		s.OnStateChange(ev.item)
	}
}
