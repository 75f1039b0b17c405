package downloader_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// artifactServer serves fixed payloads with byte-range support. A held path streams
// the first half of its body and then blocks until released or the client goes away.
type artifactServer struct {
	*httptest.Server

	mu       sync.Mutex
	content  map[string][]byte
	gates    map[string]chan struct{}
	ranges   map[string][]string
	noRanges bool
}

func newArtifactServer(t *testing.T) *artifactServer {
	t.Helper()

	s := &artifactServer{
		content: make(map[string][]byte),
		gates:   make(map[string]chan struct{}),
		ranges:  make(map[string][]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)

	return s
}

func (s *artifactServer) add(path string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content[path] = body

	return s.URL + path
}

// hold makes requests for path stall halfway. The returned func releases them.
func (s *artifactServer) hold(path string) func() {
	gate := make(chan struct{})

	s.mu.Lock()
	s.gates[path] = gate
	s.mu.Unlock()

	var once sync.Once

	return func() { once.Do(func() { close(gate) }) }
}

// requests returns the Range header of every request made for path.
func (s *artifactServer) requests(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.ranges[path]...)
}

func (s *artifactServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body, ok := s.content[r.URL.Path]
	gate := s.gates[r.URL.Path]
	ignoreRanges := s.noRanges
	s.ranges[r.URL.Path] = append(s.ranges[r.URL.Path], r.Header.Get("Range"))
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)

		return
	}

	start := 0

	if rng := r.Header.Get("Range"); rng != "" && !ignoreRanges {
		if _, err := fmt.Sscanf(rng, "bytes=%d-", &start); err != nil || start >= len(body) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

			return
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(body)-1, len(body)))
		w.Header().Set("Content-Length", strconv.Itoa(len(body)-start))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
	}

	rest := body[start:]

	if gate != nil {
		half := len(rest) / 2
		_, _ = w.Write(rest[:half])
		w.(http.Flusher).Flush()

		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}

		rest = rest[half:]
	}

	_, _ = w.Write(rest)
}

// payload returns n deterministic, non-repeating-looking bytes.
func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/257)
	}

	return b
}
