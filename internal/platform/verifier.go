package platform

import (
	"archive/zip"
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/firmware_updater/internal/logctx"
)

// ArchiveVerifier accepts a package when it is a readable zip archive whose
// entries all match their checksums.
type ArchiveVerifier struct{}

func (ArchiveVerifier) Verify(ctx context.Context, path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("not a valid update package: %w", err)
	}
	defer r.Close()

	if len(r.File) == 0 {
		return fmt.Errorf("update package %s is empty", path)
	}

	var total uint64

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := checkEntry(f); err != nil {
			return fmt.Errorf("entry %s: %w", f.Name, err)
		}

		total += f.UncompressedSize64
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "package verified",
		"entries", len(r.File), "size", humanize.Bytes(total))

	return nil
}

// checkEntry reads the entry to its end, where the zip reader compares the CRC.
func checkEntry(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(io.Discard, rc)

	return err
}
