package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/serenity/serenity/internal/core"
)

const dataDirLockName = "serenity.lock"

// LockDataDir takes the exclusive ownership lock of a data directory. The
// daemon holds it while it runs, because its profile cache is the source of
// truth; the CLI takes it around every change it makes. A held lock yields
// core.ErrDataDirLocked.
func LockDataDir(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, dataDirLockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire data directory lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrDataDirLocked, dir)
	}
	return lock, nil
}
