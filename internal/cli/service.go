package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// pidService stops an already running local service by PID.
type pidService struct {
	pid int
}

func (s pidService) Stop() error {
	p, err := os.FindProcess(s.pid)
	if err != nil {
		return fmt.Errorf("find service pid %d: %w", s.pid, err)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal service pid %d: %w", s.pid, err)
	}
	return nil
}
