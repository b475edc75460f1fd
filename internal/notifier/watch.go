package notifier

import (
	"context"
	"fmt"

	"github.com/italolelis/firmware_updater/internal/controller"
	"github.com/italolelis/firmware_updater/internal/install"
	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/update"
)

// Source publishes update events, see controller.Controller.Subscribe.
type Source interface {
	Subscribe(kinds ...controller.EventKind) (<-chan controller.Event, func())
}

// Message returns the notification for a status change, or false when the
// status is not worth a notification.
func Message(snap update.Snapshot) (string, bool) {
	name := snap.Name
	if name == "" {
		name = snap.DownloadID
	}

	switch snap.Status {
	case update.StatusVerified:
		return "✅ Update ready to install: " + name + " (" + snap.DownloadID + ")", true
	case update.StatusVerificationFailed:
		return "❌ Update rejected by verification: " + name + " (" + snap.DownloadID + ")", true
	case update.StatusInstalled:
		return "🔁 Update installed, reboot to finish: " + name + " (" + snap.DownloadID + ")", true
	case update.StatusInstallationFailed:
		return "❌ Update installation failed: " + name + " (" + snap.DownloadID + ")", true
	case update.StatusPausedError:
		return "⚠️ Download stopped with an error: " + name + " (" + snap.DownloadID + ")", true
	default:
		return "", false
	}
}

// BootFailureMessage is sent when the device came back on the build it tried to replace.
func BootFailureMessage(outcome install.BootOutcome) string {
	return fmt.Sprintf("❌ Update to the build from %d did not install, the device rebooted into the old build", outcome.FailedTimestamp)
}

// Watch notifies about terminal status changes until ctx is done. A status is
// reported once per update until it changes.
func Watch(ctx context.Context, src Source, n Notifier) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "notifier")

	events, unsubscribe := src.Subscribe(controller.EventStatus, controller.EventRemoved)
	defer unsubscribe()

	last := make(map[string]update.Status)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			id := ev.Update.DownloadID

			if ev.Kind == controller.EventRemoved {
				delete(last, id)

				continue
			}

			if prev, seen := last[id]; seen && prev == ev.Update.Status {
				continue
			}

			last[id] = ev.Update.Status

			msg, ok := Message(ev.Update)
			if !ok {
				continue
			}

			if err := n.Notify(ctx, msg); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "download_id", id, "err", err)
			}
		}
	}
}
