//go:build windows

package bdb

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
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

	how := uint32(windows.LOCKFILE_FAIL_IMMEDIATELY)
	if flags&Exclusive != 0 {
		how |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	var overlapped windows.Overlapped
	err = windows.LockFileEx(windows.Handle(f.Fd()), how, 0, 1, 0, &overlapped)
	if err != nil {
		f.Close()
		if err == windows.ERROR_LOCK_VIOLATION {
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
	var overlapped windows.Overlapped
	windows.UnlockFileEx(windows.Handle(lf.file.Fd()), 0, 1, 0, &overlapped)
	if err := lf.file.Close(); err != nil {
		log.Debugf("lock file close: %v", err)
	}
	lf.file = nil
}
