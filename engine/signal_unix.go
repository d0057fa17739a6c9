//go:build unix

package engine

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func signalPause(proc *os.Process) error {
	if proc == nil {
		return fmt.Errorf("no engine process")
	}
	return unix.Kill(proc.Pid, unix.SIGSTOP)
}

func signalResume(proc *os.Process) error {
	if proc == nil {
		return fmt.Errorf("no engine process")
	}
	return unix.Kill(proc.Pid, unix.SIGCONT)
}
