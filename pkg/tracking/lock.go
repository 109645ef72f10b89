package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 20 * time.Millisecond

// lockFile takes the exclusive lock on the sidecar file at path, retrying
// until it is granted or ctx is done. The sidecar is never removed, so every
// process locks the same file. The returned func releases the lock.
func lockFile(ctx context.Context, path string) (func() error, error) {
	fl := flock.New(path)
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("lock not acquired")
	}
	return fl.Unlock, nil
}
