package downloader_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/modelshelf/internal/downloader"
	"github.com/italolelis/modelshelf/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu       sync.Mutex
	states   map[string][]transfer.State
	last     map[string]transfer.Item
	progress int
}

func newRecorder() *recorder {
	return &recorder{states: make(map[string][]transfer.State), last: make(map[string]transfer.Item)}
}

func (r *recorder) OnStateChange(item transfer.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states[item.ID] = append(r.states[item.ID], item.State)
	r.last[item.ID] = item
}

func (r *recorder) OnProgress(transfer.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.progress++
}

func (r *recorder) statesOf(id string) []transfer.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]transfer.State(nil), r.states[id]...)
}

func (r *recorder) lastOf(id string) transfer.Item {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.last[id]
}

func newTestManager(t *testing.T, maxConcurrent int, sinks ...downloader.Sink) (*downloader.Manager, string) {
	t.Helper()

	dir := t.TempDir()
	m := downloader.NewManager(context.Background(), downloader.Options{
		DownloadDir:    dir,
		MaxConcurrent:  maxConcurrent,
		SampleInterval: 10 * time.Millisecond,
	}, nil)

	for _, s := range sinks {
		m.AddSink(s)
	}

	t.Cleanup(m.Close)

	return m, dir
}

func waitForState(t *testing.T, m *downloader.Manager, id string, want transfer.State) transfer.Item {
	t.Helper()

	var item transfer.Item

	require.Eventually(t, func() bool {
		item, _ = m.Item(id)

		return item.State == want
	}, waitFor, tick, "%s never reached %s", id, want)

	return item
}

func waitForBytes(t *testing.T, m *downloader.Manager, id string) {
	t.Helper()

	require.Eventually(t, func() bool {
		item, _ := m.Item(id)

		return item.DownloadedSize > 0
	}, waitFor, tick)
}

func TestManager_DownloadsFile(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(300 * 1024)
	url := srv.add("/org/model/weights.bin", body)

	rec := newRecorder()
	m, dir := newTestManager(t, 2, rec)

	id, err := m.Enqueue("org/model", "weights.bin", url, int64(len(body)))
	require.NoError(t, err)
	assert.Equal(t, "org/model/weights.bin", id)

	item := waitForState(t, m, id, transfer.StateCompleted)

	path := filepath.Join(dir, "org_model", "weights.bin")
	assert.Equal(t, path, item.Path)
	assert.Equal(t, int64(len(body)), item.DownloadedSize)
	assert.Zero(t, item.Speed)
	assert.Nil(t, item.ETA)
	assert.Empty(t, item.ErrorMessage)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	require.Eventually(t, func() bool { return len(rec.statesOf(id)) == 3 }, waitFor, tick)
	assert.Equal(t, []transfer.State{transfer.StateQueued, transfer.StateDownloading, transfer.StateCompleted}, rec.statesOf(id))
}

func TestManager_DownloadAdoptsUnknownSize(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(4096)
	url := srv.add("/cfg/config.json", body)

	m, _ := newTestManager(t, 1)

	id, err := m.Enqueue("cfg", "config.json", url, 0)
	require.NoError(t, err)

	item := waitForState(t, m, id, transfer.StateCompleted)
	assert.Equal(t, int64(len(body)), item.TotalSize)
	assert.Equal(t, int64(len(body)), item.DownloadedSize)
}

func TestManager_EnqueueCompleteFileSkipsTransfer(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(1024)
	url := srv.add("/a/model.bin", body)

	m, dir := newTestManager(t, 1)

	path := filepath.Join(dir, "a", "model.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, body, 0o644))

	id, err := m.Enqueue("a", "model.bin", url, int64(len(body)))
	require.NoError(t, err)

	item, ok := m.Item(id)
	require.True(t, ok)
	assert.Equal(t, transfer.StateCompleted, item.State)
	assert.Equal(t, int64(len(body)), item.DownloadedSize)

	// Give a wrongly started task the chance to show up.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, srv.requests("/a/model.bin"))
}

func TestManager_EnqueueResumesPartialFile(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(200 * 1024)
	url := srv.add("/a/model.bin", body)
	release := srv.hold("/a/model.bin")

	rec := newRecorder()
	m, dir := newTestManager(t, 1, rec)

	const k = 70 * 1024

	path := filepath.Join(dir, "a", "model.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, body[:k], 0o644))

	id, err := m.Enqueue("a", "model.bin", url, int64(len(body)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.statesOf(id)) > 0 }, waitFor, tick)
	assert.Equal(t, transfer.StateQueued, rec.statesOf(id)[0])

	item, _ := m.Item(id)
	assert.GreaterOrEqual(t, item.DownloadedSize, int64(k))

	release()

	item = waitForState(t, m, id, transfer.StateCompleted)
	assert.Equal(t, int64(len(body)), item.DownloadedSize)
	assert.Equal(t, []string{"bytes=71680-"}, srv.requests("/a/model.bin"))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestManager_PauseAndResume(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(512 * 1024)
	url := srv.add("/a/big.bin", body)
	release := srv.hold("/a/big.bin")

	m, _ := newTestManager(t, 1)

	id, err := m.Enqueue("a", "big.bin", url, int64(len(body)))
	require.NoError(t, err)

	waitForBytes(t, m, id)

	m.Pause(id)

	item, _ := m.Item(id)
	assert.Equal(t, transfer.StatePaused, item.State)
	assert.Zero(t, item.Speed)
	assert.Nil(t, item.ETA)
	assert.Positive(t, item.DownloadedSize)

	info, err := os.Stat(item.Path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	assert.Less(t, info.Size(), int64(len(body)))

	release()
	m.Resume(id)

	item = waitForState(t, m, id, transfer.StateCompleted)
	assert.Equal(t, int64(len(body)), item.DownloadedSize)

	got, err := os.ReadFile(item.Path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	reqs := srv.requests("/a/big.bin")
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0])
	assert.Regexp(t, `^bytes=\d+-$`, reqs[1])
}

func TestManager_PauseIgnoresInapplicableStates(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(1024)
	url := srv.add("/a/small.bin", body)

	m, _ := newTestManager(t, 1)

	id, err := m.Enqueue("a", "small.bin", url, int64(len(body)))
	require.NoError(t, err)

	before := waitForState(t, m, id, transfer.StateCompleted)

	m.Pause(id)

	after, _ := m.Item(id)
	assert.Equal(t, before, after)
}

func TestManager_CancelDeletesPartialFile(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(512 * 1024)
	url := srv.add("/a/big.bin", body)
	srv.hold("/a/big.bin")

	rec := newRecorder()
	m, _ := newTestManager(t, 1, rec)

	id, err := m.Enqueue("a", "big.bin", url, int64(len(body)))
	require.NoError(t, err)

	waitForBytes(t, m, id)

	m.Cancel(id, true)

	item, _ := m.Item(id)
	assert.Equal(t, transfer.StateCancelled, item.State)
	assert.Zero(t, item.DownloadedSize)
	assert.Zero(t, item.Speed)
	assert.Nil(t, item.ETA)
	assert.NoFileExists(t, item.Path)

	// The interrupted attempt must not move the item once it unwinds.
	time.Sleep(50 * time.Millisecond)

	item, _ = m.Item(id)
	assert.Equal(t, transfer.StateCancelled, item.State)
	require.Eventually(t, func() bool {
		return rec.lastOf(id).State == transfer.StateCancelled
	}, waitFor, tick)
	assert.NotContains(t, rec.statesOf(id), transfer.StateFailed)
}

func TestManager_CancelDuringResponseLeavesNoFile(t *testing.T) {
	body := payload(200)
	headersSent := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 100-199/200")
		w.WriteHeader(http.StatusPartialContent)
		w.(http.Flusher).Flush()
		close(headersSent)

		select {
		case <-r.Context().Done():
		case <-time.After(waitFor):
		}
	}))
	defer ts.Close()

	dir := t.TempDir()
	m := downloader.NewManager(context.Background(), downloader.Options{DownloadDir: dir, MaxConcurrent: 1}, nil)
	defer m.Close()

	path := filepath.Join(dir, "a", "f.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, body[:100], 0o644))

	id, err := m.Enqueue("a", "f.bin", ts.URL, int64(len(body)))
	require.NoError(t, err)

	select {
	case <-headersSent:
	case <-time.After(waitFor):
		t.Fatal("download never reached the server")
	}

	// The attempt may be opening the destination at this moment.
	m.Cancel(id, true)
	m.Close()

	item, _ := m.Item(id)
	assert.Equal(t, transfer.StateCancelled, item.State)
	assert.Zero(t, item.DownloadedSize)
	assert.NoFileExists(t, path)
}

func TestManager_CancelKeepsPartialFile(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(512 * 1024)
	url := srv.add("/a/big.bin", body)
	srv.hold("/a/big.bin")

	m, _ := newTestManager(t, 1)

	id, err := m.Enqueue("a", "big.bin", url, int64(len(body)))
	require.NoError(t, err)

	waitForBytes(t, m, id)

	m.Cancel(id, false)

	item, _ := m.Item(id)
	assert.Equal(t, transfer.StateCancelled, item.State)
	assert.Positive(t, item.DownloadedSize)
	assert.FileExists(t, item.Path)
}

func TestManager_CancelNeverDeletesCompletedFile(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(2048)
	url := srv.add("/a/done.bin", body)

	m, _ := newTestManager(t, 1)

	id, err := m.Enqueue("a", "done.bin", url, int64(len(body)))
	require.NoError(t, err)

	before := waitForState(t, m, id, transfer.StateCompleted)

	m.Cancel(id, true)

	after, _ := m.Item(id)
	assert.Equal(t, before, after)
	assert.FileExists(t, after.Path)
}

func TestManager_CancelQueuedItem(t *testing.T) {
	srv := newArtifactServer(t)
	bodyA, bodyB := payload(512*1024), payload(1024)
	urlA := srv.add("/a/first.bin", bodyA)
	urlB := srv.add("/a/second.bin", bodyB)
	srv.hold("/a/first.bin")

	m, _ := newTestManager(t, 1)

	idA, err := m.Enqueue("a", "first.bin", urlA, int64(len(bodyA)))
	require.NoError(t, err)
	idB, err := m.Enqueue("a", "second.bin", urlB, int64(len(bodyB)))
	require.NoError(t, err)

	waitForState(t, m, idA, transfer.StateDownloading)

	m.Cancel(idB, true)
	m.Cancel(idA, true)

	waitForState(t, m, idB, transfer.StateCancelled)
	time.Sleep(50 * time.Millisecond)

	item, _ := m.Item(idB)
	assert.Equal(t, transfer.StateCancelled, item.State)
	assert.Empty(t, srv.requests("/a/second.bin"))
}

func TestManager_ResumeCompletedIsNoop(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(1024)
	url := srv.add("/a/done.bin", body)

	m, _ := newTestManager(t, 1)

	id, err := m.Enqueue("a", "done.bin", url, int64(len(body)))
	require.NoError(t, err)

	before := waitForState(t, m, id, transfer.StateCompleted)

	m.Resume(id)

	after, _ := m.Item(id)
	assert.Equal(t, before, after)
	assert.Len(t, srv.requests("/a/done.bin"), 1)
}

func TestManager_AdmitsInOrderWithinLimit(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(256 * 1024)

	ids := make(map[string]string)
	releases := make(map[string]func())

	var (
		mu       sync.Mutex
		violated bool
	)

	var m *downloader.Manager

	// Check the limit from inside a hook, which also calls back into the manager.
	check := downloader.SinkFuncs{StateChange: func(transfer.Item) {
		n := 0
		for _, it := range m.Items() {
			if it.State == transfer.StateDownloading {
				n++
			}
		}

		mu.Lock()
		defer mu.Unlock()

		violated = violated || n > 2
	}}

	m, _ = newTestManager(t, 2, check)

	for _, name := range []string{"A", "B", "C"} {
		path := "/repo/" + name
		url := srv.add(path, body)
		releases[name] = srv.hold(path)

		id, err := m.Enqueue("repo", name, url, int64(len(body)))
		require.NoError(t, err)

		ids[name] = id
	}

	waitForState(t, m, ids["A"], transfer.StateDownloading)
	waitForState(t, m, ids["B"], transfer.StateDownloading)

	item, _ := m.Item(ids["C"])
	assert.Equal(t, transfer.StateQueued, item.State)

	releases["A"]()

	waitForState(t, m, ids["A"], transfer.StateCompleted)
	waitForState(t, m, ids["C"], transfer.StateDownloading)

	releases["B"]()
	releases["C"]()

	waitForState(t, m, ids["B"], transfer.StateCompleted)
	waitForState(t, m, ids["C"], transfer.StateCompleted)

	mu.Lock()
	defer mu.Unlock()

	assert.False(t, violated)

	items := m.Items()
	require.Len(t, items, 3)
	assert.Equal(t, ids["A"], items[0].ID)
	assert.Equal(t, ids["B"], items[1].ID)
	assert.Equal(t, ids["C"], items[2].ID)
}

func TestManager_PauseFreesSlot(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(256 * 1024)
	urlA := srv.add("/r/a", body)
	urlB := srv.add("/r/b", body)
	srv.hold("/r/a")
	srv.hold("/r/b")

	m, _ := newTestManager(t, 1)

	idA, err := m.Enqueue("r", "a", urlA, int64(len(body)))
	require.NoError(t, err)
	idB, err := m.Enqueue("r", "b", urlB, int64(len(body)))
	require.NoError(t, err)

	waitForState(t, m, idA, transfer.StateDownloading)

	m.Pause(idA)

	waitForState(t, m, idB, transfer.StateDownloading)

	item, _ := m.Item(idA)
	assert.Equal(t, transfer.StatePaused, item.State)
}

func TestManager_SetMaxConcurrentAdmitsWaitingItems(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(256 * 1024)
	urlA := srv.add("/r/a", body)
	urlB := srv.add("/r/b", body)
	srv.hold("/r/a")
	srv.hold("/r/b")

	m, _ := newTestManager(t, 1)

	idA, err := m.Enqueue("r", "a", urlA, int64(len(body)))
	require.NoError(t, err)
	idB, err := m.Enqueue("r", "b", urlB, int64(len(body)))
	require.NoError(t, err)

	waitForState(t, m, idA, transfer.StateDownloading)

	item, _ := m.Item(idB)
	assert.Equal(t, transfer.StateQueued, item.State)

	m.SetMaxConcurrent(2)
	assert.Equal(t, 2, m.MaxConcurrent())

	waitForState(t, m, idB, transfer.StateDownloading)

	m.SetMaxConcurrent(0)
	assert.Equal(t, 2, m.MaxConcurrent())
}

func TestManager_LoweringMaxConcurrentDrainsRunningTransfers(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(256 * 1024)
	urlA := srv.add("/l/a", body)
	urlB := srv.add("/l/b", body)
	urlC := srv.add("/l/c", body)
	releaseA := srv.hold("/l/a")
	releaseB := srv.hold("/l/b")

	m, _ := newTestManager(t, 2)

	idA, err := m.Enqueue("l", "a", urlA, int64(len(body)))
	require.NoError(t, err)
	idB, err := m.Enqueue("l", "b", urlB, int64(len(body)))
	require.NoError(t, err)
	idC, err := m.Enqueue("l", "c", urlC, int64(len(body)))
	require.NoError(t, err)

	waitForState(t, m, idA, transfer.StateDownloading)
	waitForState(t, m, idB, transfer.StateDownloading)

	m.SetMaxConcurrent(1)

	// Running transfers are not interrupted, only admission waits.
	for _, id := range []string{idA, idB} {
		item, _ := m.Item(id)
		assert.Equal(t, transfer.StateDownloading, item.State)
	}

	releaseA()
	waitForState(t, m, idA, transfer.StateCompleted)

	item, _ := m.Item(idC)
	assert.Equal(t, transfer.StateQueued, item.State, "one transfer still occupies the only slot")

	releaseB()
	waitForState(t, m, idB, transfer.StateCompleted)
	waitForState(t, m, idC, transfer.StateCompleted)
}

func TestManager_FailedDownload(t *testing.T) {
	srv := newArtifactServer(t)
	m, _ := newTestManager(t, 1)

	id, err := m.Enqueue("a", "missing.bin", srv.URL+"/a/missing.bin", 100)
	require.NoError(t, err)

	item := waitForState(t, m, id, transfer.StateFailed)
	assert.Contains(t, item.ErrorMessage, "404")
	assert.Zero(t, item.Speed)
	assert.Nil(t, item.ETA)

	// Enqueueing the same file again retries it.
	again, err := m.Enqueue("a", "missing.bin", srv.URL+"/a/missing.bin", 100)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.Eventually(t, func() bool { return len(srv.requests("/a/missing.bin")) == 2 }, waitFor, tick)
	waitForState(t, m, id, transfer.StateFailed)

	body := payload(100)
	srv.add("/a/missing.bin", body)

	m.Resume(id)

	item = waitForState(t, m, id, transfer.StateCompleted)
	assert.Empty(t, item.ErrorMessage)
}

func TestManager_EnqueueIsIdempotent(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(256 * 1024)
	url := srv.add("/a/x", body)
	srv.hold("/a/x")

	m, _ := newTestManager(t, 1)

	id, err := m.Enqueue("a", "x", url, int64(len(body)))
	require.NoError(t, err)

	waitForState(t, m, id, transfer.StateDownloading)

	again, err := m.Enqueue("a", "x", url, int64(len(body)))
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, m.Items(), 1)

	item, _ := m.Item(id)
	assert.Equal(t, transfer.StateDownloading, item.State)
}

func TestManager_EnqueueRejectsInvalidInput(t *testing.T) {
	m, _ := newTestManager(t, 1)

	tests := []struct {
		name  string
		owner string
		file  string
		size  int64
	}{
		{"empty owner", "", "f.bin", 1},
		{"empty file", "o", "", 1},
		{"escaping file", "o", "../f.bin", 1},
		{"absolute file", "o", "/etc/passwd", 1},
		{"parent owner", "..", "escaped.bin", 1},
		{"current owner", ".", "f.bin", 1},
		{"negative size", "o", "f.bin", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Enqueue(tt.owner, tt.file, "http://example.invalid/f", tt.size)
			require.ErrorIs(t, err, transfer.ErrInvalidItem)
		})
	}

	assert.Empty(t, m.Items())
}

func TestManager_EnqueueKeepsPathsInsideDownloadDir(t *testing.T) {
	m, dir := newTestManager(t, 1)

	id, err := m.Enqueue("../..", "f.bin", "http://example.invalid/f", 1)
	require.NoError(t, err)

	item, ok := m.Item(id)
	require.True(t, ok)

	rel, err := filepath.Rel(dir, item.Path)
	require.NoError(t, err)
	assert.True(t, filepath.IsLocal(rel), item.Path)
	assert.Equal(t, filepath.Join(dir, ".._..", "f.bin"), item.Path)
}

func TestManager_InstanceID(t *testing.T) {
	a, _ := newTestManager(t, 1)
	b, _ := newTestManager(t, 1)

	host, err := os.Hostname()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a.InstanceID(), host+"-"), a.InstanceID())
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
}

func TestManager_UnknownIDsAreIgnored(t *testing.T) {
	m, _ := newTestManager(t, 1)

	m.Pause("nope")
	m.Resume("nope")
	m.Cancel("nope", true)

	_, ok := m.Item("nope")
	assert.False(t, ok)
	assert.Empty(t, m.Items())
}

func TestManager_PanickingHookDoesNotAbortTransfer(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(300 * 1024)
	url := srv.add("/a/model.bin", body)

	bad := downloader.SinkFuncs{
		StateChange: func(transfer.Item) { panic("host bug") },
		Progress:    func(transfer.Item) { panic("host bug") },
	}
	rec := newRecorder()

	m, _ := newTestManager(t, 1, bad, rec)

	id, err := m.Enqueue("a", "model.bin", url, int64(len(body)))
	require.NoError(t, err)

	item := waitForState(t, m, id, transfer.StateCompleted)

	got, err := os.ReadFile(item.Path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	require.Eventually(t, func() bool {
		return rec.lastOf(id).State == transfer.StateCompleted
	}, waitFor, tick)
}

func TestManager_CloseLeavesDownloadsPaused(t *testing.T) {
	srv := newArtifactServer(t)
	body := payload(256 * 1024)
	url := srv.add("/a/x", body)
	srv.hold("/a/x")

	rec := newRecorder()
	m, _ := newTestManager(t, 1, rec)

	id, err := m.Enqueue("a", "x", url, int64(len(body)))
	require.NoError(t, err)

	waitForBytes(t, m, id)

	m.Close()

	item, _ := m.Item(id)
	assert.Equal(t, transfer.StatePaused, item.State)
	assert.Zero(t, item.Speed)

	// Close flushes notifications before returning.
	assert.Equal(t, transfer.StatePaused, rec.lastOf(id).State)
}
