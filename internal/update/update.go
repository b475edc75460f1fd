package update

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Info is the metadata an update feed advertises for a package.
type Info struct {
	DownloadID  string `json:"id"`
	Name        string `json:"name"`
	DownloadURL string `json:"url"`
	Timestamp   int64  `json:"timestamp"`
	Type        string `json:"type"`
	Version     string `json:"version"`
	FileSize    int64  `json:"size"`
}

// Record is the full, mutable state of one update. Only the lifecycle controller
// mutates records; everything else works on Snapshots.
type Record struct {
	Info

	LocalFile        string
	Progress         int
	InstallProgress  int
	ETA              int64
	Speed            int64
	Finalizing       bool
	AvailableOnline  bool
	Status           Status
	PersistentStatus PersistentStatus
}

// NewRecord builds a record from feed metadata.
func NewRecord(info Info) *Record {
	return &Record{Info: info}
}

// FileExists reports whether the record has a local file on disk.
func (r *Record) FileExists() bool {
	if r.LocalFile == "" {
		return false
	}

	_, err := os.Stat(r.LocalFile)

	return err == nil
}

// FileLength returns the size of the local file, or 0 when it is missing.
func (r *Record) FileLength() int64 {
	if r.LocalFile == "" {
		return 0
	}

	st, err := os.Stat(r.LocalFile)
	if err != nil {
		return 0
	}

	return st.Size()
}

// Snapshot returns a read-only copy of the record.
func (r *Record) Snapshot() Snapshot {
	return Snapshot{
		DownloadID:       r.DownloadID,
		Name:             r.Name,
		DownloadURL:      r.DownloadURL,
		Timestamp:        r.Timestamp,
		Type:             r.Type,
		Version:          r.Version,
		FileSize:         r.FileSize,
		LocalFile:        r.LocalFile,
		Progress:         r.Progress,
		InstallProgress:  r.InstallProgress,
		ETA:              r.ETA,
		Speed:            r.Speed,
		Finalizing:       r.Finalizing,
		AvailableOnline:  r.AvailableOnline,
		Status:           r.Status,
		PersistentStatus: r.PersistentStatus,
	}
}

// Snapshot is the view of a record handed to API consumers.
type Snapshot struct {
	DownloadID       string           `json:"id"`
	Name             string           `json:"name"`
	DownloadURL      string           `json:"url"`
	Timestamp        int64            `json:"timestamp"`
	Type             string           `json:"type"`
	Version          string           `json:"version"`
	FileSize         int64            `json:"size"`
	LocalFile        string           `json:"file,omitempty"`
	Progress         int              `json:"progress"`
	InstallProgress  int              `json:"install_progress"`
	ETA              int64            `json:"eta"`
	Speed            int64            `json:"speed"`
	Finalizing       bool             `json:"finalizing"`
	AvailableOnline  bool             `json:"available_online"`
	Status           Status           `json:"status"`
	PersistentStatus PersistentStatus `json:"persistent_status"`
}

// Progress is the subset of a snapshot that changes while a transfer or install runs.
type Progress struct {
	DownloadID      string `json:"id"`
	Progress        int    `json:"progress"`
	InstallProgress int    `json:"install_progress"`
	ETA             int64  `json:"eta"`
	Speed           int64  `json:"speed"`
	Finalizing      bool   `json:"finalizing"`
}

// ProgressView narrows the snapshot to its progress fields.
func (s Snapshot) ProgressView() Progress {
	return Progress{
		DownloadID:      s.DownloadID,
		Progress:        s.Progress,
		InstallProgress: s.InstallProgress,
		ETA:             s.ETA,
		Speed:           s.Speed,
		Finalizing:      s.Finalizing,
	}
}

// UniquePath returns path unchanged when nothing exists there, otherwise the first
// free "name-N.ext" sibling.
func UniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	name, ext := base, ""

	if i := strings.LastIndex(base, "."); i > 0 {
		name, ext = base[:i], base[i:]
	}

	for i := 1; ; i++ {
		candidate := filepath.Join(dir, name+"-"+strconv.Itoa(i)+ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// Info returns the feed metadata of the snapshot.
func (s Snapshot) Info() Info {
	return Info{
		DownloadID:  s.DownloadID,
		Name:        s.Name,
		DownloadURL: s.DownloadURL,
		Timestamp:   s.Timestamp,
		Type:        s.Type,
		Version:     s.Version,
		FileSize:    s.FileSize,
	}
}
