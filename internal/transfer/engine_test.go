package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu        sync.Mutex
	responses []Response
	progress  []Progress
	succeeded string
	failed    bool
	cancelled bool
	err       error

	onProgress func(p Progress)
}

func (l *recordingListener) OnResponse(resp Response) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.responses = append(l.responses, resp)
}

func (l *recordingListener) OnProgress(p Progress) {
	l.mu.Lock()
	l.progress = append(l.progress, p)
	hook := l.onProgress
	l.mu.Unlock()

	if hook != nil {
		hook(p)
	}
}

func (l *recordingListener) OnSuccess(destination string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.succeeded = destination
}

func (l *recordingListener) OnFailure(cancelled bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failed = true
	l.cancelled = cancelled
	l.err = err
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

func newEngine(t *testing.T, rawURL, dest string, duplicates bool, l Listener) *Engine {
	t.Helper()

	e, err := New(Options{URL: rawURL, Destination: dest, UseDuplicateLinks: duplicates, Client: http.DefaultClient}, l)
	require.NoError(t, err)

	return e
}

func TestEngine_StartDownloadsFile(t *testing.T) {
	body := payload(20000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.zip")
	l := &recordingListener{}
	newEngine(t, srv.URL+"/pkg.zip", dest, false, l).Start(context.Background())

	require.False(t, l.failed, "unexpected failure: %v", l.err)
	assert.Equal(t, dest, l.succeeded)

	require.Len(t, l.responses, 1)
	assert.Equal(t, int64(20000), l.responses[0].ContentLength)
	assert.Equal(t, int64(20000), l.responses[0].Total())

	last := l.progress[len(l.progress)-1]
	assert.True(t, last.Done)
	assert.Equal(t, int64(20000), last.Read)
	assert.Equal(t, int64(20000), last.Total)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestEngine_ResumeAppendsPartialContent(t *testing.T) {
	body := payload(10000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=4000-", r.Header.Get("Range"))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 4000-9999/%d", len(body)))
		w.Header().Set("Content-Length", "6000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[4000:])
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.zip")
	require.NoError(t, os.WriteFile(dest, body[:4000], 0o644))

	l := &recordingListener{}
	newEngine(t, srv.URL, dest, false, l).Resume(context.Background())

	require.False(t, l.failed, "unexpected failure: %v", l.err)
	assert.Equal(t, int64(4000), l.responses[0].Offset)
	assert.True(t, l.responses[0].Accepted())
	assert.Equal(t, int64(10000), l.responses[0].Total())

	first := l.progress[0]
	assert.Greater(t, first.Read, int64(4000))
	assert.Equal(t, int64(10000), first.Total)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestEngine_ResumeRejectedWithoutPartialContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload(100))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.zip")
	require.NoError(t, os.WriteFile(dest, payload(10), 0o644))

	l := &recordingListener{}
	newEngine(t, srv.URL, dest, false, l).Resume(context.Background())

	require.True(t, l.failed)
	assert.False(t, l.cancelled)

	var rejected *ResumeRejectedError
	require.True(t, errors.As(l.err, &rejected))
	assert.Equal(t, http.StatusOK, rejected.StatusCode)
	assert.Equal(t, int64(10), rejected.Offset)

	require.Len(t, l.responses, 1)
	assert.False(t, l.responses[0].Accepted())
	assert.Equal(t, int64(-1), l.responses[0].Total())

	// partial file is left untouched
	st, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Size())
}

func TestResponse_Total(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		want int64
	}{
		{"fresh", Response{StatusCode: http.StatusOK, ContentLength: 1000}, 1000},
		{"fresh unknown length", Response{StatusCode: http.StatusOK, ContentLength: -1}, -1},
		{"fresh error", Response{StatusCode: http.StatusNotFound, ContentLength: 10}, -1},
		{"partial content", Response{StatusCode: http.StatusPartialContent, ContentLength: 600, Offset: 400, Resume: true}, 1000},
		{"resume answered in full", Response{StatusCode: http.StatusOK, ContentLength: 1000, Offset: 400, Resume: true}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resp.Total())
		})
	}
}

func TestEngine_ResumeWithoutDestination(t *testing.T) {
	l := &recordingListener{}
	newEngine(t, "http://127.0.0.1:1/pkg.zip", filepath.Join(t.TempDir(), "missing.zip"), false, l).
		Resume(context.Background())

	require.True(t, l.failed)
	assert.False(t, l.cancelled)
	assert.ErrorIs(t, l.err, ErrDestinationMissing)
	assert.Empty(t, l.responses)
}

func TestEngine_FreshNonSuccessIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := &recordingListener{}
	newEngine(t, srv.URL, filepath.Join(t.TempDir(), "pkg.zip"), false, l).Start(context.Background())

	require.True(t, l.failed)
	assert.False(t, l.cancelled)

	var netErr *NetworkError
	require.True(t, errors.As(l.err, &netErr))
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
	// the response callback still sees the reply
	require.Len(t, l.responses, 1)
	assert.Equal(t, http.StatusServiceUnavailable, l.responses[0].StatusCode)
}

func TestEngine_DuplicateLinksTriedByPriority(t *testing.T) {
	body := payload(3000)

	var (
		mu   sync.Mutex
		hits []string
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/pkg.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Link", "</mirror/none>; rel=duplicate")
		w.Header().Add("Link", "</mirror/five>; rel=duplicate; pri=5")
		w.Header().Add("Link", `<https://example.com/describedby>; rel="describedby"`)
		w.Header().Add("Link", "</mirror/one>; rel=duplicate; pri=1")
		w.Header().Set("Location", "/primary")
		w.WriteHeader(http.StatusFound)
	})

	for _, path := range []string{"/primary", "/mirror/one", "/mirror/five"} {
		path := path
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits = append(hits, path)
			mu.Unlock()

			w.WriteHeader(http.StatusBadGateway)
		})
	}

	mux.HandleFunc("/mirror/none", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, "/mirror/none")
		mu.Unlock()

		w.Write(body)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.zip")
	l := &recordingListener{}
	newEngine(t, srv.URL+"/pkg.zip", dest, true, l).Start(context.Background())

	require.False(t, l.failed, "unexpected failure: %v", l.err)
	assert.Equal(t, []string{"/primary", "/mirror/one", "/mirror/five", "/mirror/none"}, hits)
	assert.Equal(t, srv.URL+"/mirror/none", l.responses[0].URL)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestEngine_DuplicateLinksCarryRange(t *testing.T) {
	body := payload(1000)

	mux := http.NewServeMux()
	mux.HandleFunc("/pkg.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/mirror")
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/mirror", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=600-", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[600:])
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.zip")
	require.NoError(t, os.WriteFile(dest, body[:600], 0o644))

	l := &recordingListener{}
	newEngine(t, srv.URL+"/pkg.zip", dest, true, l).Resume(context.Background())

	require.False(t, l.failed, "unexpected failure: %v", l.err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestEngine_DuplicateSchemeChangeAborts(t *testing.T) {
	var (
		mu   sync.Mutex
		hits []string
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/pkg.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Link", "<ftp://mirror.example.com/pkg.zip>; rel=duplicate; pri=1")
		w.Header().Add("Link", "</mirror/ok>; rel=duplicate; pri=2")
		w.Header().Set("Location", "/primary")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/primary", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, "/primary")
		mu.Unlock()

		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/mirror/ok", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, "/mirror/ok")
		mu.Unlock()

		w.Write(payload(10))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	l := &recordingListener{}
	newEngine(t, srv.URL+"/pkg.zip", filepath.Join(t.TempDir(), "pkg.zip"), true, l).Start(context.Background())

	require.True(t, l.failed)
	assert.False(t, l.cancelled)

	var protoErr *ProtocolError
	require.True(t, errors.As(l.err, &protoErr))
	assert.Equal(t, "http", protoErr.From)
	assert.Equal(t, "ftp", protoErr.To)
	assert.Equal(t, []string{"/primary"}, hits)
}

func TestEngine_RedirectFollowedWithoutDuplicates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pkg.zip", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload(64))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	l := &recordingListener{}
	newEngine(t, srv.URL+"/pkg.zip", filepath.Join(t.TempDir(), "pkg.zip"), false, l).Start(context.Background())

	require.False(t, l.failed, "unexpected failure: %v", l.err)
	assert.Equal(t, srv.URL+"/final", l.responses[0].URL)
}

// blockingServer writes one chunk and then holds the response open until the client goes away.
func blockingServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.Write(payload(chunkSize))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
}

func TestEngine_CancelMidStream(t *testing.T) {
	srv := blockingServer(t)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.zip")

	var e *Engine

	l := &recordingListener{}
	l.onProgress = func(Progress) { e.Cancel() }
	e = newEngine(t, srv.URL, dest, false, l)

	e.Start(context.Background())

	require.True(t, l.failed)
	assert.True(t, l.cancelled)
	assert.Empty(t, l.succeeded)

	// the partial file stays for a later resume
	st, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(0))
}

func TestEngine_SecondStartWhileRunningIsIgnored(t *testing.T) {
	srv := blockingServer(t)
	defer srv.Close()

	var e *Engine

	progressed := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once

	l := &recordingListener{}
	l.onProgress = func(Progress) {
		once.Do(func() {
			close(progressed)
			<-release
			e.Cancel()
		})
	}
	e = newEngine(t, srv.URL, filepath.Join(t.TempDir(), "pkg.zip"), false, l)

	done := make(chan struct{})

	go func() {
		e.Start(context.Background())
		close(done)
	}()

	<-progressed
	assert.True(t, e.Running())

	// returns immediately without callbacks
	e.Start(context.Background())
	e.Resume(context.Background())

	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not stop")
	}

	assert.Len(t, l.responses, 1)
	assert.True(t, l.cancelled)
	assert.False(t, e.Running())
}

func TestNew_Validation(t *testing.T) {
	l := &recordingListener{}

	_, err := New(Options{URL: "ftp://host/pkg.zip", Destination: "/tmp/x"}, l)
	assert.Error(t, err)

	_, err = New(Options{URL: "http://host/pkg.zip"}, l)
	assert.Error(t, err)

	_, err = New(Options{URL: "http://host/pkg.zip", Destination: "/tmp/x"}, nil)
	assert.Error(t, err)

	_, err = New(Options{URL: "://bad", Destination: "/tmp/x"}, l)
	assert.Error(t, err)
}

func TestParseDuplicateLinks(t *testing.T) {
	h := http.Header{}
	h.Add("Link", "<https://a/pkg>; rel=duplicate")
	h.Add("Link", "<https://b/pkg>; rel=duplicate; pri=7")
	h.Add("Link", "<https://c/pkg>; REL=DUPLICATE; pri=2; geo=de")
	h.Add("Link", "<https://d/pkg>; rel=describedby")
	h.Add("Link", "<https://e/pkg>; rel=duplicate")

	links := parseDuplicateLinks(context.Background(), h)

	assert.Equal(t, []duplicateLink{
		{URL: "https://c/pkg", Priority: 2},
		{URL: "https://b/pkg", Priority: 7},
		{URL: "https://a/pkg", Priority: lowestPriority},
		{URL: "https://e/pkg", Priority: lowestPriority},
	}, links)
}
