//go:build !windows

package automation

import (
	"errors"
	"fmt"
)

// OpenCOM is only available on Windows, where Winspec runs.
func OpenCOM(objects map[string]string) (Object, error) {
	return nil, fmt.Errorf("automation: COM backend requires Windows: %w", errors.ErrUnsupported)
}
