// Package transfer downloads one update package over HTTP with resume support,
// duplicate mirror fallback and speed/ETA estimation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/telemetry"
)

const chunkSize = 8 * 1024

var errCancelled = errors.New("transfer cancelled")

// Response describes the response a transfer is about to stream.
type Response struct {
	StatusCode int
	URL        string
	Header     http.Header
	// ContentLength is the body length, -1 when the server did not send one.
	ContentLength int64
	// Offset is the number of bytes already on disk for a resumed transfer.
	Offset int64
	Resume bool
}

// Accepted reports whether the engine streams this response. A resume needs a
// partial content answer, a fresh download any 2xx.
func (r Response) Accepted() bool {
	if r.Resume {
		return r.StatusCode == http.StatusPartialContent
	}

	return isSuccess(r.StatusCode)
}

// Total is the full package size implied by the response, or -1 when unknown
// or when the response is about to be rejected.
func (r Response) Total() int64 {
	if r.ContentLength < 0 || !r.Accepted() {
		return -1
	}

	if r.StatusCode == http.StatusPartialContent {
		return r.ContentLength + r.Offset
	}

	return r.ContentLength
}

// Progress is reported after every chunk written to disk. Speed is in bytes per
// second and ETA in seconds; both are negative until first computed.
type Progress struct {
	Read  int64
	Total int64
	Speed int64
	ETA   int64
	Done  bool
}

// Listener receives the lifecycle of one transfer. Exactly one of OnSuccess or
// OnFailure is called per Start or Resume that actually runs.
type Listener interface {
	OnResponse(resp Response)
	OnProgress(p Progress)
	OnSuccess(destination string)
	OnFailure(cancelled bool, err error)
}

// Options configures an Engine.
type Options struct {
	URL         string
	Destination string
	// UseDuplicateLinks disables automatic redirects and walks RFC 6249 duplicates instead.
	UseDuplicateLinks bool
	// Client defaults to an otelhttp instrumented client.
	Client    *http.Client
	Telemetry *telemetry.Telemetry
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine performs one resumable download at a time.
type Engine struct {
	url          *url.URL
	destination  string
	duplicates   bool
	client       *http.Client
	directClient *http.Client
	telemetry    *telemetry.Telemetry
	now          func() time.Time
	listener     Listener

	running   atomic.Bool
	cancelled atomic.Bool
}

// New validates opts and builds an engine reporting to l.
func New(opts Options, l Listener) (*Engine, error) {
	if l == nil {
		return nil, errors.New("transfer listener is required")
	}

	if opts.Destination == "" {
		return nil, errors.New("transfer destination is required")
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid download url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported download url scheme %q", u.Scheme)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	// first hop stops at redirects so duplicate links can be inspected
	direct := *client
	direct.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		url:          u,
		destination:  opts.Destination,
		duplicates:   opts.UseDuplicateLinks,
		client:       client,
		directClient: &direct,
		telemetry:    opts.Telemetry,
		now:          now,
		listener:     l,
	}, nil
}

// Start downloads the package from scratch, truncating the destination. It
// blocks until the transfer ends. A call while another transfer runs is ignored.
func (e *Engine) Start(ctx context.Context) {
	e.run(ctx, false)
}

// Resume continues a partial download from the current length of the destination.
func (e *Engine) Resume(ctx context.Context) {
	e.run(ctx, true)
}

// Cancel asks the running transfer to stop before its next chunk. A cancelled
// engine stays cancelled; build a new one for the next attempt.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Running reports whether a transfer is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) run(ctx context.Context, resume bool) {
	logger := logctx.LoggerFromContext(ctx)

	if !e.running.CompareAndSwap(false, true) {
		logger.WarnContext(ctx, "transfer already running, ignoring request", "resume", resume)

		return
	}
	defer e.running.Store(false)

	err := e.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return e.transfer(ctx, resume)
	})

	if err != nil {
		cancelled := e.cancelled.Load() || ctx.Err() != nil
		if cancelled {
			logger.InfoContext(ctx, "transfer cancelled")
		} else {
			logger.ErrorContext(ctx, "transfer failed", "err", err)
		}

		e.listener.OnFailure(cancelled, err)

		return
	}

	e.listener.OnSuccess(e.destination)
}

func (e *Engine) transfer(ctx context.Context, resume bool) error {
	logger := logctx.LoggerFromContext(ctx)

	var offset int64

	if resume {
		st, err := os.Stat(e.destination)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrDestinationMissing, e.destination)
		}

		offset = st.Size()
	}

	resp, err := e.connect(ctx, resume, offset)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	e.listener.OnResponse(Response{
		StatusCode:    resp.StatusCode,
		URL:           resp.Request.URL.String(),
		Header:        resp.Header.Clone(),
		ContentLength: resp.ContentLength,
		Offset:        offset,
		Resume:        resume,
	})

	switch {
	case resume && resp.StatusCode == http.StatusPartialContent:
		logger.DebugContext(ctx, "server fulfilled the partial content request", "offset", offset)
	case resume:
		return &ResumeRejectedError{StatusCode: resp.StatusCode, Offset: offset}
	case !isSuccess(resp.StatusCode):
		return &NetworkError{Operation: "connect", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resume {
		flags = os.O_WRONLY | os.O_APPEND
	}

	out, err := os.OpenFile(e.destination, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}
	defer out.Close()

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = resp.ContentLength + offset
	}

	read, err := e.stream(ctx, resp.Body, out, offset, total)
	if err != nil {
		return err
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to flush destination: %w", err)
	}

	logger.InfoContext(ctx, "transfer complete", "size", humanize.Bytes(uint64(read)))

	return nil
}

// connect issues the request and applies the duplicate mirror protocol to a redirect.
func (e *Engine) connect(ctx context.Context, resume bool, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	var rangeHeader string
	if resume {
		rangeHeader = "bytes=" + strconv.FormatInt(offset, 10) + "-"
		req.Header.Set("Range", rangeHeader)
	}

	client := e.client
	if e.duplicates {
		client = e.directClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: "connect", Message: err.Error(), Err: err}
	}

	if !e.duplicates || !isRedirect(resp.StatusCode) {
		return resp, nil
	}

	resp, fromDuplicate, err := e.followDuplicates(ctx, resp, rangeHeader)
	if err != nil {
		return nil, err
	}

	if fromDuplicate {
		e.telemetry.RecordMirrorFallback()
	}

	return resp, nil
}

// stream copies body to out in fixed chunks, checking for cancellation before each read.
func (e *Engine) stream(ctx context.Context, body io.Reader, out io.Writer, read, total int64) (int64, error) {
	meter := newSpeedMeter(e.now)
	meter.reset(read)

	start := read
	buf := make([]byte, chunkSize)

	for {
		if e.cancelled.Load() {
			return read - start, errCancelled
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return read - start, fmt.Errorf("failed to write destination: %w", err)
			}

			read += int64(n)
			e.telemetry.RecordDownloadBytes(int64(n))

			meter.observe(read, total)
			e.listener.OnProgress(Progress{Read: read, Total: total, Speed: meter.speed, ETA: meter.eta})
		}

		if errors.Is(rerr, io.EOF) {
			break
		}

		if rerr != nil {
			return read - start, &NetworkError{Operation: "read_body", Message: rerr.Error(), Err: rerr}
		}
	}

	e.listener.OnProgress(Progress{Read: read, Total: total, Speed: meter.speed, ETA: meter.eta, Done: true})

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "body streamed",
		"speed", humanize.Bytes(uint64(max(meter.speed, 0)))+"/s")

	return read - start, nil
}
