package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// Take acquires an exclusive advisory lock by creating path with O_EXCL,
// polling once a second until it succeeds or ctx is canceled. waiting is
// invoked on each failed attempt so callers can tell the user a lock is
// held. The returned closer releases the lock.
func Take(ctx context.Context, path string, waiting func()) (func(), error) {
	tk := time.NewTicker(time.Second)
	defer tk.Stop()

	var (
		f   *os.File
		err error
	)

	for {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			break
		}

		if waiting != nil {
			waiting()
		}

		select {
		case <-tk.C:
			// ok
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.Close()

	closer := func() {
		os.Remove(path)
	}

	return closer, nil
}

// TakeNamed acquires a lock named name under dir, creating dir if needed.
// Used for the per-version install locks and the global activation lock.
func TakeNamed(ctx context.Context, dir, name string, waiting func()) (func(), error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}

	return Take(ctx, filepath.Join(dir, name+".lock"), waiting)
}
