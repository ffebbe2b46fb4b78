package beardb

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// dirLock is an exclusive advisory lock on the database directory. It
// enforces single-process ownership: a second Open of the same path
// fails with ErrAlreadyOpen instead of corrupting the manifest.
type dirLock struct {
	fl *flock.Flock
}

// acquireDirLock takes the lock without blocking. The LOCK file lives
// inside the database directory alongside the manifest.
func acquireDirLock(dir string) (*dirLock, error) {
	fl := flock.New(filepath.Join(dir, "LOCK"))
	held, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !held {
		return nil, ErrAlreadyOpen
	}
	return &dirLock{fl: fl}, nil
}

func (l *dirLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
