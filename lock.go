//go:build unix

package bdb

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockFile guards an environment home against conflicting opens. A shared
// lock lets multiple processes cooperate through the engine's own locking;
// an Exclusive open demands sole ownership of the home.
type lockFile struct {
	file *os.File
}

// lockHome takes the home lock without blocking. Exclusive selects an
// exclusive lock, anything else a shared one; a busy lock reports ErrAgain
// rather than waiting.
func lockHome(home string, flags Flags, mode os.FileMode) (*lockFile, ErrorCode) {
	if mode == 0 {
		mode = 0644
	}
	path := filepath.Join(home, LockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, mode)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, ErrNoEntry
		case os.IsPermission(err):
			return nil, ErrAccess
		}
		return nil, ErrIO
	}

	how := unix.LOCK_SH
	if flags&Exclusive != 0 {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, ErrAgain
		}
		return nil, ErrIO
	}
	return &lockFile{file: f}, Success
}

// release drops the lock and closes the file.
func (lf *lockFile) release() {
	if lf == nil || lf.file == nil {
		return
	}
	unix.Flock(int(lf.file.Fd()), unix.LOCK_UN)
	if err := lf.file.Close(); err != nil {
		log.Debugf("lock file close: %v", err)
	}
	lf.file = nil
}
