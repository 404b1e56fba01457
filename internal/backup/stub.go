package backup

import (
	"context"
	"io"
	"sync"
)

// StubRunner is a Runner that writes fixed content, for tests and for hosts
// that take backups out of band.
type StubRunner struct {
	Available bool
	Content   []byte
	Err       error

	mu    sync.Mutex
	calls int
}

func (s *StubRunner) IsAvailable() bool {
	return s.Available
}

func (s *StubRunner) Extension() string {
	return ".sql"
}

func (s *StubRunner) Dump(ctx context.Context, w io.Writer) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Err != nil {
		return s.Err
	}
	_, err := w.Write(s.Content)
	return err
}

// Calls returns how many dumps were attempted
func (s *StubRunner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
