package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/italolelis/firmware_updater/internal/logctx"
)

// RFC 6249 duplicate links, e.g. `<https://mirror/pkg.zip>; rel=duplicate; pri=2`.
var duplicateLinkPattern = regexp.MustCompile(`(?i)^<(.+)>\s*;\s*rel=duplicate(?:.*pri=([0-9]+).*|.*)?$`)

const (
	// priority of a duplicate link that carries no pri parameter
	lowestPriority = 999999

	candidateConnectTimeout = 5 * time.Second
)

type duplicateLink struct {
	URL      string
	Priority int
}

// parseDuplicateLinks returns the duplicate links advertised in h, best priority first.
// Links with equal priority keep their header order.
func parseDuplicateLinks(ctx context.Context, h http.Header) []duplicateLink {
	logger := logctx.LoggerFromContext(ctx)

	var links []duplicateLink

	for _, field := range h.Values("Link") {
		m := duplicateLinkPattern.FindStringSubmatch(field)
		if m == nil {
			logger.DebugContext(ctx, "ignoring link", "link", field)

			continue
		}

		priority := lowestPriority
		if m[2] != "" {
			if p, err := strconv.Atoi(m[2]); err == nil {
				priority = p
			}
		}

		logger.DebugContext(ctx, "adding duplicate link", "url", m[1], "priority", priority)
		links = append(links, duplicateLink{URL: m[1], Priority: priority})
	}

	sort.SliceStable(links, func(i, j int) bool {
		return links[i].Priority < links[j].Priority
	})

	return links
}

// followDuplicates replaces a redirect response with a connection to the
// redirect target or, failing that, to each advertised duplicate in priority
// order. A candidate that changes the URL scheme aborts the whole sequence.
func (e *Engine) followDuplicates(ctx context.Context, redirect *http.Response, rangeHeader string) (*http.Response, bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	base := redirect.Request.URL
	links := parseDuplicateLinks(ctx, redirect.Header)
	next := redirect.Header.Get("Location")

	_, _ = io.Copy(io.Discard, redirect.Body)
	redirect.Body.Close()

	fromDuplicate := false

	for {
		resp, err := e.connectCandidate(ctx, base, next, rangeHeader)
		if err == nil {
			return resp, fromDuplicate, nil
		}

		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			return nil, false, err
		}

		if len(links) == 0 || e.cancelled.Load() {
			return nil, false, err
		}

		next, links = links[0].URL, links[1:]
		fromDuplicate = true

		logger.WarnContext(ctx, "using duplicate link", "url", next, "err", err)
	}
}

func (e *Engine) connectCandidate(ctx context.Context, base *url.URL, raw, rangeHeader string) (*http.Response, error) {
	if raw == "" {
		return nil, &NetworkError{Operation: "follow_redirect", Message: "redirect without location"}
	}

	target, err := base.Parse(raw)
	if err != nil {
		return nil, &NetworkError{Operation: "follow_redirect", Message: "invalid candidate url", Err: err}
	}

	if target.Scheme != base.Scheme {
		return nil, &ProtocolError{From: base.Scheme, To: target.Scheme, URL: target.String()}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "downloading from candidate", "url", target.String())

	// the timeout bounds connecting, not the body transfer
	reqCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(candidateConnectTimeout, cancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		timer.Stop()
		cancel()

		return nil, fmt.Errorf("failed to build candidate request: %w", err)
	}

	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := e.client.Do(req)
	if !timer.Stop() && err == nil {
		resp.Body.Close()
		err = context.DeadlineExceeded
	}

	if err != nil {
		cancel()

		return nil, &NetworkError{Operation: "connect", Message: err.Error(), Err: err}
	}

	if !isSuccess(resp.StatusCode) {
		resp.Body.Close()
		cancel()

		return nil, &NetworkError{Operation: "connect", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}

	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()

	return err
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}

	return false
}
