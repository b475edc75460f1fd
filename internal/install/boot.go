package install

import (
	"context"
	"fmt"

	"github.com/italolelis/firmware_updater/internal/logctx"
)

// BootOutcome is what the first start after a reboot learned about the last install.
type BootOutcome struct {
	// NewBoot is false when the process restarted within the same boot.
	NewBoot bool
	// UpdateFailed is set when a legacy install ran but the device came back on the same build.
	UpdateFailed bool
	// FailedTimestamp is the build timestamp the failed install was flashing.
	FailedTimestamp int64
}

// CheckBootOutcome runs once per boot, identified by bootID. It clears the
// needs-reboot marker and reports a failed legacy install once. Reinstalls of
// the running build cannot be told apart from failures and are never reported.
func CheckBootOutcome(ctx context.Context, state *StateStore, buildTimestamp int64, bootID string) (BootOutcome, error) {
	logger := logctx.LoggerFromContext(ctx)

	if bootID == "" {
		logger.WarnContext(ctx, "boot id unavailable, skipping boot outcome check")

		return BootOutcome{}, nil
	}

	if state.Get().BootID == bootID {
		return BootOutcome{}, nil
	}

	out := BootOutcome{NewBoot: true}

	err := state.Update(func(st *State) {
		st.BootID = bootID
		st.NeedsRebootID = ""

		if !st.InstallAgain && !st.Notified && st.OldTimestamp != 0 && st.OldTimestamp == buildTimestamp {
			out.UpdateFailed = true
			out.FailedTimestamp = st.NewTimestamp
			st.Notified = true
		}
	})
	if err != nil {
		return BootOutcome{}, fmt.Errorf("failed to record boot: %w", err)
	}

	if out.UpdateFailed {
		logger.WarnContext(ctx, "last update did not install", "build_timestamp", buildTimestamp,
			"update_timestamp", out.FailedTimestamp)
	}

	return out, nil
}
