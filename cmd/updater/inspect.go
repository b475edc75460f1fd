package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/firmware_updater/internal/install"
	"github.com/italolelis/firmware_updater/internal/platform"
)

// inspect verifies the package at path and prints the backend that would install it.
func inspect(ctx context.Context, path string, w io.Writer) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "package: %s (%s)\n", path, humanize.Bytes(uint64(st.Size())))

	if err := (platform.ArchiveVerifier{}).Verify(ctx, path); err != nil {
		fmt.Fprintf(w, "verification: failed: %v\n", err)

		return err
	}

	fmt.Fprintln(w, "verification: ok")

	streaming, err := install.IsStreamingPackage(path)
	if err != nil {
		return err
	}

	if !streaming {
		fmt.Fprintf(w, "backend: %s\n", install.BackendLegacy)

		return nil
	}

	offset, err := install.ZipEntryOffset(path, install.PayloadBinary)
	if err != nil {
		return err
	}

	props, err := install.ReadPayloadProperties(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "backend: %s\n", install.BackendStreaming)
	fmt.Fprintf(w, "payload offset: %d\n", offset)

	for _, p := range props {
		fmt.Fprintf(w, "  %s\n", p)
	}

	return nil
}
