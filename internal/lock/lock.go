// Package lock keeps a single novad per profile. The lock is an flock on a
// file that also records who holds it.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockHeldError is returned when another daemon holds the profile lock.
type LockHeldError struct {
	PID     int
	Started string
	Path    string
}

func (e *LockHeldError) Error() string {
	if e.Started == "" {
		return fmt.Sprintf("novad already running for this profile (pid %d, %s)", e.PID, e.Path)
	}
	return fmt.Sprintf("novad already running for this profile (pid %d since %s, %s)", e.PID, e.Started, e.Path)
}

// Lock is a held daemon lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock file at path, creating its directory. It fails
// with LockHeldError when another process holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open daemon lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		held := owner(string(data))
		held.Path = path
		return nil, held
	}

	if err := record(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock owner: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

func record(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// Release drops the lock and removes the file. Safe on a nil or released
// lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// owner parses the pid=/started= lines written by record.
func owner(content string) *LockHeldError {
	held := &LockHeldError{}
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			held.PID, _ = strconv.Atoi(value)
		case "started":
			held.Started = value
		}
	}
	return held
}
