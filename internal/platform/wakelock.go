package platform

import (
	"fmt"
	"os"
)

// SysfsWakeLock keeps the system awake through the kernel wake lock interface.
type SysfsWakeLock struct {
	Name       string
	LockPath   string
	UnlockPath string
}

func (w SysfsWakeLock) Acquire() error {
	return writeControl(w.LockPath, w.Name)
}

func (w SysfsWakeLock) Release() error {
	return writeControl(w.UnlockPath, w.Name)
}

func writeControl(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(value); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}
