//go:build !unix

package engine

import (
	"fmt"
	"os"
)

func signalPause(_ *os.Process) error {
	return fmt.Errorf("engine pause is not supported on this platform")
}

func signalResume(_ *os.Process) error {
	return fmt.Errorf("engine resume is not supported on this platform")
}
