package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/modelshelf/internal/downloader/progress"
	"github.com/italolelis/modelshelf/internal/logctx"
	"github.com/italolelis/modelshelf/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	defaultChunkSize      = 64 * 1024
	defaultSampleInterval = 500 * time.Millisecond
)

// Outcome is how a single transfer attempt ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeStopped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeStopped:
		return "stopped"
	default:
		return "failed"
	}
}

// Job is the immutable input of one attempt.
type Job struct {
	ID        string
	URL       string
	Path      string
	TotalSize int64
}

// Progress receives the effects an attempt has on its item.
type Progress interface {
	// Begin reports the offset the destination file starts from.
	Begin(offset int64)
	// AdoptTotal reports a total size learned from the server.
	AdoptTotal(total int64)
	// Advance reports n bytes appended to the destination.
	Advance(n int64)
	// Sample reports a speed/ETA measurement.
	Sample(s progress.Sample)
}

// Engine performs resumable single-stream HTTP downloads.
type Engine struct {
	client         *http.Client
	sampleInterval time.Duration
	chunkSize      int
	limiter        *rate.Limiter // shared by every attempt; nil when unlimited
	now            func() time.Time
}

// NewEngine creates an engine. A zero sampleInterval uses 500ms.
func NewEngine(client *http.Client, sampleInterval time.Duration) *Engine {
	if client == nil {
		client = NewHTTPClient(0)
	}

	if sampleInterval <= 0 {
		sampleInterval = defaultSampleInterval
	}

	return &Engine{
		client:         client,
		sampleInterval: sampleInterval,
		chunkSize:      defaultChunkSize,
		now:            time.Now,
	}
}

// LimitBandwidth caps the combined read rate of all attempts run by e. Zero or
// negative leaves it unlimited. It must be called before the first Fetch.
func (e *Engine) LimitBandwidth(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		e.limiter = nil

		return
	}

	e.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), max(int(bytesPerSecond), e.chunkSize))
}

// NewHTTPClient returns a traced client for artifact downloads. There is no overall
// timeout since bodies can take hours; headerTimeout bounds the wait for a response.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = headerTimeout

	return &http.Client{Transport: otelhttp.NewTransport(base)}
}

// Fetch runs one attempt to fill job.Path from job.URL, resuming from the bytes
// already on disk. Cancelling ctx stops the attempt at the next chunk boundary and
// yields OutcomeStopped with a nil error.
func (e *Engine) Fetch(ctx context.Context, job Job, p Progress) (Outcome, error) {
	logger := logctx.LoggerFromContext(ctx)

	dir := filepath.Dir(job.Path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return OutcomeFailed, &transfer.FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}

	var offset int64

	if info, err := os.Stat(job.Path); err == nil {
		size := info.Size()

		switch {
		case job.TotalSize > 0 && size == job.TotalSize:
			logger.Debug("file already complete on disk", "path", job.Path)
			p.Begin(size)

			return OutcomeCompleted, nil
		case size > 0 && size < job.TotalSize:
			offset = size
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return OutcomeFailed, &transfer.TransportError{URL: job.URL, Reason: "invalid request", Err: err}
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		logger.Info("resuming download", "offset", humanize.Bytes(uint64(offset)))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeStopped, nil
		}

		return OutcomeFailed, &transfer.TransportError{URL: job.URL, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && start != offset {
			return OutcomeFailed, &transfer.TransportError{
				URL:        job.URL,
				StatusCode: resp.StatusCode,
				Reason:     fmt.Sprintf("server resumed at byte %d, expected %d", start, offset),
			}
		}
	case http.StatusOK:
		if offset > 0 {
			logger.Warn("server ignored range request, restarting from zero", "offset", offset)

			offset = 0
		}
	default:
		return OutcomeFailed, &transfer.TransportError{
			URL:        job.URL,
			StatusCode: resp.StatusCode,
			Reason:     "unexpected status " + resp.Status,
		}
	}

	total := job.TotalSize
	if total == 0 && resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		total = resp.ContentLength
		p.AdoptTotal(total)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	out, err := os.OpenFile(job.Path, flags, filePerm)
	if err != nil {
		return OutcomeFailed, &transfer.FilesystemError{Op: "open", Path: job.Path, Err: err}
	}
	defer out.Close()

	p.Begin(offset)

	outcome, written, err := e.stream(ctx, job, out, resp.Body, offset, total, p)
	if outcome != OutcomeCompleted {
		return outcome, err
	}

	if err := out.Close(); err != nil {
		return OutcomeFailed, &transfer.FilesystemError{Op: "close", Path: job.Path, Err: err}
	}

	if total > 0 && written != total {
		logger.Warn("response ended before the expected size",
			"written", humanize.Bytes(uint64(written)),
			"expected", humanize.Bytes(uint64(total)))
	}

	logger.Info("download finished", "path", job.Path, "size", humanize.Bytes(uint64(written)))

	return OutcomeCompleted, nil
}

// stream appends body to out chunk by chunk, starting at offset.
func (e *Engine) stream(
	ctx context.Context, job Job, out io.Writer, body io.Reader, offset, total int64, p Progress,
) (Outcome, int64, error) {
	sampler := progress.NewSampler(e.sampleInterval, e.now)
	buf := make([]byte, e.chunkSize)
	written := offset

	for {
		if ctx.Err() != nil {
			return OutcomeStopped, written, nil
		}

		n, readErr := body.Read(buf)

		if n > 0 {
			if ctx.Err() != nil {
				return OutcomeStopped, written, nil
			}

			if e.limiter != nil {
				if err := e.limiter.WaitN(ctx, n); err != nil {
					if ctx.Err() != nil {
						return OutcomeStopped, written, nil
					}

					return OutcomeFailed, written, &transfer.TransportError{URL: job.URL, Reason: "bandwidth limiter", Err: err}
				}
			}

			if total > 0 && written+int64(n) > total {
				return OutcomeFailed, written, &transfer.TransportError{
					URL:    job.URL,
					Reason: fmt.Sprintf("received more than the expected %d bytes", total),
				}
			}

			if _, err := out.Write(buf[:n]); err != nil {
				return OutcomeFailed, written, &transfer.FilesystemError{Op: "write", Path: job.Path, Err: err}
			}

			written += int64(n)
			p.Advance(int64(n))

			if sample, ok := sampler.Add(int64(n), total-written); ok {
				p.Sample(sample)
			}
		}

		if errors.Is(readErr, io.EOF) {
			return OutcomeCompleted, written, nil
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return OutcomeStopped, written, nil
			}

			return OutcomeFailed, written, &transfer.TransportError{URL: job.URL, Reason: "stream interrupted", Err: readErr}
		}
	}
}

// contentRangeStart parses the first byte position of a "bytes start-end/size" header.
func contentRangeStart(header string) (int64, bool) {
	rng, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, false
	}

	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, false
	}

	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, false
	}

	return start, true
}
