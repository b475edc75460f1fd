package update

// Status is the transient state of a record. It is never persisted.
type Status int

const (
	StatusUnknown Status = iota
	StatusStarting
	StatusDownloading
	StatusPaused
	StatusPausedError
	StatusDeleted
	StatusVerifying
	StatusVerified
	StatusVerificationFailed
	StatusInstalling
	StatusInstalled
	StatusInstallationFailed
	StatusInstallationCancelled
	StatusInstallationSuspended
)

var statusNames = [...]string{
	StatusUnknown:               "unknown",
	StatusStarting:              "starting",
	StatusDownloading:           "downloading",
	StatusPaused:                "paused",
	StatusPausedError:           "paused_error",
	StatusDeleted:               "deleted",
	StatusVerifying:             "verifying",
	StatusVerified:              "verified",
	StatusVerificationFailed:    "verification_failed",
	StatusInstalling:            "installing",
	StatusInstalled:             "installed",
	StatusInstallationFailed:    "installation_failed",
	StatusInstallationCancelled: "installation_cancelled",
	StatusInstallationSuspended: "installation_suspended",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}

	return statusNames[s]
}

// MarshalText renders the status by name for JSON consumers.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PersistentStatus is the durable subset of the status. The numeric values are
// stored in the ledger and must not change.
type PersistentStatus int

const (
	PersistentUnknown    PersistentStatus = 0
	PersistentIncomplete PersistentStatus = 1
	PersistentVerified   PersistentStatus = 2
)

func (p PersistentStatus) String() string {
	switch p {
	case PersistentIncomplete:
		return "incomplete"
	case PersistentVerified:
		return "verified"
	default:
		return "unknown"
	}
}

func (p PersistentStatus) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
