package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/modelshelf/internal/downloader/progress"
	"github.com/italolelis/modelshelf/internal/logctx"
	"github.com/italolelis/modelshelf/internal/telemetry"
	"github.com/italolelis/modelshelf/internal/transfer"
)

// Options configures a Manager.
type Options struct {
	DownloadDir    string
	MaxConcurrent  int
	SampleInterval time.Duration
	// MaxBytesPerSecond caps the combined transfer rate. Zero means unlimited.
	MaxBytesPerSecond int64
	HTTPClient     *http.Client
	Telemetry      *telemetry.Telemetry
}

type entry struct {
	item    transfer.Item
	gen     uint64             // bumped on every admission
	cancel  context.CancelFunc // cancels the current attempt
	running bool               // an attempt goroutine has not returned yet
	// removeOnExit deletes the destination once the running attempt returns, since it
	// may still recreate the file after a cancel removed it.
	removeOnExit bool
}

// Manager queues downloads and runs at most MaxConcurrent of them at a time.
// Every state change goes through mu.
type Manager struct {
	ctx         context.Context
	stop        context.CancelFunc
	instanceID  string
	logger      *slog.Logger
	engine      *Engine
	tel         *telemetry.Telemetry
	notify      *dispatcher
	downloadDir string
	now         func() time.Time
	wg          sync.WaitGroup

	mu            sync.Mutex
	maxConcurrent int
	items         map[string]*entry
	order         []string
	queue         []string
	active        map[string]struct{}
	closed        bool
}

// NewManager creates a manager bound to ctx. Cancelling ctx stops running attempts;
// Close should still be called to wait for them.
func NewManager(ctx context.Context, opts Options, sink Sink) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}

	instanceID := newInstanceID()
	logger := logctx.LoggerFromContext(ctx).With("component", "downloader", "instance_id", instanceID)
	ctx, stop := context.WithCancel(logctx.WithLogger(ctx, logger))

	engine := NewEngine(opts.HTTPClient, opts.SampleInterval)
	engine.LimitBandwidth(opts.MaxBytesPerSecond)

	return &Manager{
		ctx:           ctx,
		stop:          stop,
		instanceID:    instanceID,
		logger:        logger,
		engine:        engine,
		tel:           opts.Telemetry,
		notify:        newDispatcher(logger, opts.Telemetry, sink),
		downloadDir:   opts.DownloadDir,
		now:           time.Now,
		maxConcurrent: opts.MaxConcurrent,
		items:         make(map[string]*entry),
		active:        make(map[string]struct{}),
	}
}

// AddSink registers another observer.
func (m *Manager) AddSink(s Sink) {
	if s != nil {
		m.notify.add(s)
	}
}

// InstanceID identifies this manager in logs and health reports.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// DownloadDir is the root every destination path is derived from.
func (m *Manager) DownloadDir() string {
	return m.downloadDir
}

// Enqueue registers ownerID/fileName for download and returns its id. Enqueuing an
// existing id returns it unchanged, resuming it first if it failed or was cancelled.
func (m *Manager) Enqueue(ownerID, fileName, url string, size int64) (string, error) {
	ownerDir := transfer.SanitizeOwner(ownerID)

	if ownerDir == "" || ownerDir == "." || !filepath.IsLocal(ownerDir) ||
		fileName == "" || !filepath.IsLocal(filepath.FromSlash(fileName)) {
		return "", fmt.Errorf("%w: owner %q file %q", transfer.ErrInvalidItem, ownerID, fileName)
	}

	if size < 0 {
		return "", fmt.Errorf("%w: negative size %d", transfer.ErrInvalidItem, size)
	}

	id := transfer.ItemID(ownerID, fileName)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[id]; ok {
		if e.item.State == transfer.StateFailed || e.item.State == transfer.StateCancelled {
			m.resumeLocked(e)
		}

		return id, nil
	}

	path := filepath.Join(m.downloadDir, ownerDir, filepath.FromSlash(fileName))

	e := &entry{item: transfer.Item{
		ID:        id,
		OwnerID:   ownerID,
		FileName:  fileName,
		URL:       url,
		Path:      path,
		TotalSize: size,
		State:     transfer.StateQueued,
		CreatedAt: m.now(),
	}}

	if info, err := os.Stat(path); err == nil {
		switch onDisk := info.Size(); {
		case size > 0 && onDisk == size:
			e.item.State = transfer.StateCompleted
			e.item.DownloadedSize = size
		case onDisk < size:
			e.item.DownloadedSize = onDisk
		}
	}

	m.items[id] = e
	m.order = append(m.order, id)

	m.logger.Info("download enqueued",
		"download_id", id,
		"state", e.item.State,
		"size", humanize.Bytes(uint64(size)),
		"on_disk", humanize.Bytes(uint64(e.item.DownloadedSize)))

	m.emitStateLocked(e)

	if e.item.State == transfer.StateQueued {
		m.queue = append(m.queue, id)
		m.dispatchLocked()
	}

	return id, nil
}

// Pause stops a downloading item, keeping the bytes written so far.
func (m *Manager) Pause(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookupLocked(id)
	if !ok || e.item.State != transfer.StateDownloading {
		return
	}

	e.cancel()
	delete(m.active, id)

	e.item.State = transfer.StatePaused
	e.item.ResetStats()

	m.logger.Info("download paused", "download_id", id, "downloaded", humanize.Bytes(uint64(e.item.DownloadedSize)))

	m.emitStateLocked(e)
	m.dispatchLocked()
}

// Resume re-queues a paused, failed or cancelled item. Completed items are left as is.
func (m *Manager) Resume(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookupLocked(id)
	if !ok || !e.item.State.CanTransition(transfer.StateQueued) {
		return
	}

	m.resumeLocked(e)
}

// Cancel stops and dequeues an item. With deletePartial, an incomplete destination
// file is removed and the progress reset; completed files are never deleted.
func (m *Manager) Cancel(id string, deletePartial bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookupLocked(id)
	if !ok || !e.item.State.CanTransition(transfer.StateCancelled) {
		return
	}

	if e.item.State == transfer.StateDownloading {
		e.cancel()
		delete(m.active, id)
	}

	m.removeFromQueueLocked(id)

	e.item.State = transfer.StateCancelled
	e.item.ErrorMessage = ""
	e.item.ResetStats()

	if deletePartial && (e.item.TotalSize == 0 || e.item.DownloadedSize < e.item.TotalSize) {
		if m.removePartialLocked(e) {
			e.item.DownloadedSize = 0
		}

		e.removeOnExit = e.running
	}

	m.logger.Info("download cancelled", "download_id", id, "delete_partial", deletePartial)

	m.emitStateLocked(e)
	m.dispatchLocked()
}

// Item returns a snapshot of one item.
func (m *Manager) Item(id string) (transfer.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[id]
	if !ok {
		return transfer.Item{}, false
	}

	return e.item, true
}

// Items returns snapshots of every known item in enqueue order.
func (m *Manager) Items() []transfer.Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]transfer.Item, 0, len(m.order))
	for _, id := range m.order {
		items = append(items, m.items[id].item)
	}

	return items
}

// MaxConcurrent returns the current slot count.
func (m *Manager) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.maxConcurrent
}

// SetMaxConcurrent changes the slot count. Lowering it lets running transfers finish.
func (m *Manager) SetMaxConcurrent(n int) {
	if n < 1 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.maxConcurrent = n
	m.dispatchLocked()
}

// Close stops admitting work, cancels running transfers (leaving them PAUSED),
// waits for their goroutines and flushes pending notifications.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return
	}

	m.closed = true
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
	m.notify.close()
}

func (m *Manager) removePartialLocked(e *entry) bool {
	if err := os.Remove(e.item.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Error("failed to delete partial file",
			"download_id", e.item.ID,
			"err", &transfer.FilesystemError{Op: "remove", Path: e.item.Path, Err: err})

		return false
	}

	return true
}

func (m *Manager) lookupLocked(id string) (*entry, bool) {
	e, ok := m.items[id]
	if !ok {
		m.logger.Debug("ignoring request for unknown download", "download_id", id)
	}

	return e, ok
}

func (m *Manager) resumeLocked(e *entry) {
	e.item.State = transfer.StateQueued
	e.item.ErrorMessage = ""
	e.item.ResetStats()

	if !m.queuedLocked(e.item.ID) {
		m.queue = append(m.queue, e.item.ID)
	}

	m.logger.Info("download resumed", "download_id", e.item.ID)

	m.emitStateLocked(e)
	m.dispatchLocked()
}

func (m *Manager) queuedLocked(id string) bool {
	for _, q := range m.queue {
		if q == id {
			return true
		}
	}

	return false
}

func (m *Manager) removeFromQueueLocked(id string) {
	for i, q := range m.queue {
		if q == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)

			return
		}
	}
}

// dispatchLocked admits queued items front to back while slots are free. An item
// whose previous attempt is still unwinding keeps its place until that attempt exits.
func (m *Manager) dispatchLocked() {
	if m.closed {
		return
	}

	for len(m.active) < m.maxConcurrent {
		next := -1

		for i, id := range m.queue {
			if e := m.items[id]; e.item.State == transfer.StateQueued && !e.running {
				next = i

				break
			}
		}

		if next < 0 {
			return
		}

		id := m.queue[next]
		m.queue = append(m.queue[:next], m.queue[next+1:]...)

		m.startLocked(m.items[id])
	}
}

func (m *Manager) startLocked(e *entry) {
	ctx, cancel := context.WithCancel(logctx.WithDownloadID(m.ctx, e.item.ID))

	e.gen++
	e.cancel = cancel
	e.running = true
	e.item.State = transfer.StateDownloading
	e.item.ErrorMessage = ""
	e.item.ResetStats()

	m.active[e.item.ID] = struct{}{}

	m.emitStateLocked(e)

	job := Job{ID: e.item.ID, URL: e.item.URL, Path: e.item.Path, TotalSize: e.item.TotalSize}
	att := &attempt{m: m, e: e, gen: e.gen}

	m.wg.Add(1)

	go m.run(ctx, job, att)
}

func (m *Manager) run(ctx context.Context, job Job, att *attempt) {
	defer m.wg.Done()

	outcome := OutcomeFailed

	err := m.tel.InstrumentDownload(ctx, func(ctx context.Context) (string, error) {
		var err error

		outcome, err = m.engine.Fetch(ctx, job, att)

		return outcome.String(), err
	})

	m.finish(att, outcome, err)
}

// finish applies the attempt's outcome, unless a caller already moved the item on.
func (m *Manager) finish(att *attempt, outcome Outcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := att.e
	e.running = false

	if e.removeOnExit {
		e.removeOnExit = false

		if m.removePartialLocked(e) {
			e.item.DownloadedSize = 0
		}
	}

	if e.gen != att.gen || e.item.State != transfer.StateDownloading {
		m.dispatchLocked()

		return
	}

	e.cancel()
	delete(m.active, e.item.ID)

	e.item.ResetStats()

	switch outcome {
	case OutcomeCompleted:
		if e.item.TotalSize == 0 {
			e.item.TotalSize = e.item.DownloadedSize
		}

		e.item.DownloadedSize = e.item.TotalSize
		e.item.State = transfer.StateCompleted

		m.logger.Info("download completed", "download_id", e.item.ID, "size", humanize.Bytes(uint64(e.item.TotalSize)))
	case OutcomeStopped:
		// Only the manager's own context can stop an attempt without Pause/Cancel.
		e.item.State = transfer.StatePaused

		m.logger.Info("download interrupted by shutdown", "download_id", e.item.ID)
	default:
		e.item.State = transfer.StateFailed
		e.item.ErrorMessage = "download failed"

		if err != nil {
			e.item.ErrorMessage = err.Error()
		}

		m.logger.Error("download failed", "download_id", e.item.ID, "err", err)
		m.tel.RecordSystemError("downloader", errorKind(err))
	}

	m.emitStateLocked(e)
	m.dispatchLocked()
}

func errorKind(err error) string {
	var (
		terr *transfer.TransportError
		ferr *transfer.FilesystemError
	)

	switch {
	case errors.As(err, &terr):
		return "transport"
	case errors.As(err, &ferr):
		return "filesystem"
	default:
		return "unknown"
	}
}

func (m *Manager) emitStateLocked(e *entry) {
	m.tel.RecordStateTransition(e.item.State.String())
	m.notify.publish(eventStateChange, e.item)
}

// attempt is the Progress view of one admission of an entry. Updates from an
// attempt that has been superseded, paused or cancelled are dropped.
type attempt struct {
	m   *Manager
	e   *entry
	gen uint64
}

func (a *attempt) currentLocked() bool {
	return a.e.gen == a.gen && a.e.item.State == transfer.StateDownloading
}

func (a *attempt) Begin(offset int64) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()

	if a.currentLocked() {
		a.e.item.DownloadedSize = offset
	}
}

func (a *attempt) AdoptTotal(total int64) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()

	if a.currentLocked() && a.e.item.TotalSize == 0 {
		a.e.item.TotalSize = total
	}
}

func (a *attempt) Advance(n int64) {
	a.m.tel.AddBytesDownloaded(n)

	a.m.mu.Lock()
	defer a.m.mu.Unlock()

	if a.currentLocked() {
		a.e.item.DownloadedSize += n
	}
}

func (a *attempt) Sample(s progress.Sample) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()

	if !a.currentLocked() {
		return
	}

	a.e.item.Speed = s.Speed
	a.e.item.ETA = s.ETA

	a.m.notify.publish(eventProgress, a.e.item)
}
