package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/italolelis/firmware_updater/internal/logctx"
)

// CommandFlasher hands a full package to an external install command, called
// with the package path as its only argument.
type CommandFlasher struct {
	Command string
}

func (f CommandFlasher) InstallPackage(ctx context.Context, path string) error {
	if f.Command == "" {
		return errors.New("flash command is not configured")
	}

	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, f.Command, path)
	cmd.Stdout = &out
	cmd.Stderr = &out

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "running flash command", "command", f.Command, "file", path)

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(out.String()); msg != "" {
			return fmt.Errorf("flash command failed: %w: %s", err, msg)
		}

		return fmt.Errorf("flash command failed: %w", err)
	}

	return nil
}
