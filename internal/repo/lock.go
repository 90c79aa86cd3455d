package repo

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/javanhut/hgstore/internal/hgerr"
)

// ErrLocked is returned when another writer holds the repository lock.
var ErrLocked = errors.New("repository is locked")

// LockTimeout is how long Lock waits for another writer.
var LockTimeout = 2 * time.Second

// Lock is a held store lock.
type Lock struct {
	path string
}

// Lock takes the store write lock. Appends from different processes are
// serialized by it; readers never take it.
func (r *Repo) Lock() (*Lock, error) {
	path := filepath.Join(r.storeDir, "lock")
	deadline := time.Now().Add(LockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			if err := claimLock(path, f); err != nil {
				return nil, err
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, hgerr.E("lock", hgerr.ControlFile, err)
		}
		if time.Now().After(deadline) {
			holder, _ := os.ReadFile(path)
			return nil, fmt.Errorf("%w (held by pid %s)", ErrLocked, holderPid(holder))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// claimLock records our pid in the lock file f just created at path. On
// failure the file is removed so that no empty lock is left behind.
func claimLock(path string, f io.WriteCloser) error {
	_, err := fmt.Fprintf(f, "%d\n", os.Getpid())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return hgerr.E("lock", hgerr.ControlFile, fmt.Errorf("%w (and removing the lock failed: %v)", err, rerr))
		}
		return hgerr.E("lock", hgerr.ControlFile, err)
	}
	return nil
}

func holderPid(data []byte) string {
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	if _, err := strconv.Atoi(s); err != nil {
		return "unknown"
	}
	return s
}

// Release drops the lock. Releasing twice is harmless.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
