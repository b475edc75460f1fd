// Package platform holds the device facing collaborators of the updater: package
// verification, flashing, the streaming engine process and the wake lock.
package platform

import (
	"fmt"
	"os"
	"strings"
)

// ReadBootID returns the kernel boot id, which changes on every boot.
func ReadBootID(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read boot id: %w", err)
	}

	return strings.TrimSpace(string(b)), nil
}
