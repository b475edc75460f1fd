package progress

import (
	"errors"
	"io"
	"time"
)

// Reader wraps an io.Reader and reports cumulative progress via a callback at
// most once per interval, plus once more when the underlying reader hits EOF.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	interval   time.Duration
	totalRead  int64
	lastReport time.Time
	now        func() time.Time
}

func NewReader(r io.Reader, total int64, interval time.Duration, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		interval:   interval,
		now:        time.Now,
	}
}

// BytesRead returns how many bytes went through the reader so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}

// Percent returns the integer percentage of Total read, or 0 when Total is unknown.
func (pr *Reader) Percent() int {
	if pr.Total <= 0 {
		return 0
	}

	return int(pr.totalRead * 100 / pr.Total)
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)

		if now := pr.now(); now.Sub(pr.lastReport) >= pr.interval {
			pr.lastReport = now
			pr.report()
		}
	}

	if errors.Is(err, io.EOF) {
		pr.report()
	}

	return n, err
}

func (pr *Reader) report() {
	if pr.OnProgress != nil {
		pr.OnProgress(pr.totalRead, pr.Total)
	}
}
