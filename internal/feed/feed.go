// Package feed reads the update feed published by the build server and decides
// which of its entries apply to the running build.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/italolelis/firmware_updater/internal/config"
	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/update"
)

type document struct {
	Response []json.RawMessage `json:"response"`
}

type entry struct {
	Datetime *number `json:"datetime"`
	Filename *string `json:"filename"`
	ID       *string `json:"id"`
	RomType  *string `json:"romtype"`
	Size     *number `json:"size"`
	URL      *string `json:"url"`
	Version  *string `json:"version"`
}

// number accepts both JSON numbers and numeric strings, build servers emit either.
type number int64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}

	*n = number(v)

	return nil
}

func (e entry) info() (update.Info, error) {
	missing := lo.Compact([]string{
		lo.Ternary(e.Datetime == nil, "datetime", ""),
		lo.Ternary(e.Filename == nil, "filename", ""),
		lo.Ternary(e.ID == nil, "id", ""),
		lo.Ternary(e.RomType == nil, "romtype", ""),
		lo.Ternary(e.Size == nil, "size", ""),
		lo.Ternary(e.URL == nil, "url", ""),
		lo.Ternary(e.Version == nil, "version", ""),
	})
	if len(missing) > 0 {
		return update.Info{}, fmt.Errorf("missing fields %s", strings.Join(missing, ", "))
	}

	if *e.ID == "" {
		return update.Info{}, errors.New("empty id")
	}

	return update.Info{
		DownloadID:  *e.ID,
		Name:        *e.Filename,
		DownloadURL: *e.URL,
		Timestamp:   int64(*e.Datetime),
		Type:        *e.RomType,
		Version:     *e.Version,
		FileSize:    int64(*e.Size),
	}, nil
}

// Parse decodes a feed document. Entries that cannot be decoded are skipped
// and logged. With compatibleOnly, entries that do not apply to build are
// dropped as well.
func Parse(ctx context.Context, r io.Reader, build config.Build, compatibleOnly bool) ([]update.Info, error) {
	logger := logctx.LoggerFromContext(ctx)

	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode update feed: %w", err)
	}

	if doc.Response == nil {
		return nil, errors.New("update feed has no response array")
	}

	var infos []update.Info

	for i, raw := range doc.Response {
		if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}

		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			logger.ErrorContext(ctx, "could not parse update object", "index", i, "err", err)

			continue
		}

		info, err := e.info()
		if err != nil {
			logger.ErrorContext(ctx, "could not parse update object", "index", i, "err", err)

			continue
		}

		if compatibleOnly && !IsCompatible(ctx, info, build) {
			logger.DebugContext(ctx, "ignoring incompatible update", "name", info.Name)

			continue
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// ParseFile parses the feed document stored at path.
func ParseFile(ctx context.Context, path string, build config.Build, compatibleOnly bool) ([]update.Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(ctx, f, build, compatibleOnly)
}

// IsCompatible reports whether info may be offered on build: same or newer
// version line, newer build unless downgrading is allowed, same release type.
func IsCompatible(ctx context.Context, info update.Info, build config.Build) bool {
	logger := logctx.LoggerFromContext(ctx).With("name", info.Name)

	if info.Version < build.Version {
		logger.DebugContext(ctx, "update is older than the current version", "version", info.Version)

		return false
	}

	if !build.AllowDowngrading && info.Timestamp <= build.Timestamp {
		logger.DebugContext(ctx, "update is older than or equal to the current build", "timestamp", info.Timestamp)

		return false
	}

	if !strings.EqualFold(info.Type, build.ReleaseType) {
		logger.DebugContext(ctx, "update has another release type", "type", info.Type)

		return false
	}

	return true
}

// CanInstall reports whether info may be installed on build. Unlike
// IsCompatible, the version must match exactly.
func CanInstall(info update.Info, build config.Build) bool {
	return (build.AllowDowngrading || info.Timestamp > build.Timestamp) &&
		strings.EqualFold(info.Version, build.Version)
}

// ServerURL expands the {device}, {type} and {incr} placeholders of template.
func ServerURL(template string, build config.Build) string {
	return strings.NewReplacer(
		"{device}", build.Device,
		"{type}", strings.ToLower(build.ReleaseType),
		"{incr}", build.Incremental,
	).Replace(strings.TrimSpace(template))
}

// CheckForNewUpdates reports whether the feed at newPath offers a compatible
// update that the feed at oldPath did not.
func CheckForNewUpdates(ctx context.Context, oldPath, newPath string, build config.Build) (bool, error) {
	oldList, err := ParseFile(ctx, oldPath, build, true)
	if err != nil {
		return false, err
	}

	newList, err := ParseFile(ctx, newPath, build, true)
	if err != nil {
		return false, err
	}

	return hasNewIDs(oldList, newList), nil
}

func hasNewIDs(oldList, newList []update.Info) bool {
	known := lo.SliceToMap(oldList, func(i update.Info) (string, struct{}) { return i.DownloadID, struct{}{} })

	return lo.ContainsBy(newList, func(i update.Info) bool {
		_, ok := known[i.DownloadID]

		return !ok
	})
}
