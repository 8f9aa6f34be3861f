package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// TempMarker is part of every temp file name created by CreateAtomic.
const TempMarker = ".treesync.tmp."

var (
	renameFile  = os.Rename
	runtimeGOOS = runtime.GOOS
)

// AtomicFile is a temp file in the target's directory that replaces the target on Commit.
// Until Commit succeeds the target is never touched.
type AtomicFile struct {
	*os.File
	target string
	done   bool
}

func CreateAtomic(target string) (*AtomicFile, error) {
	if err := EnsureParent(target); err != nil {
		return nil, fmt.Errorf("ensure parent: %w", err)
	}

	// same directory keeps the final rename on one filesystem
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+TempMarker+"*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &AtomicFile{File: f, target: target}, nil
}

// Commit flushes the temp file to disk and renames it over the target.
// On failure the temp file is removed and the target keeps its previous content.
func (a *AtomicFile) Commit() (err error) {
	if a.done {
		return errors.New("atomic file already finished")
	}
	a.done = true
	tempPath := a.Name()

	defer func() {
		if err != nil {
			a.File.Close()
			os.Remove(tempPath)
		}
	}()

	if err := a.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := a.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := a.File.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := renameFile(tempPath, a.target); err != nil {
		if runtimeGOOS != "windows" || !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("rename temp file to %s: %w", a.target, err)
		}
		// windows refuses to replace a busy target; clear it and retry once
		if rmErr := os.Remove(a.target); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return fmt.Errorf("remove existing %s: %w", a.target, rmErr)
		}
		if err := renameFile(tempPath, a.target); err != nil {
			return fmt.Errorf("rename temp file to %s: %w", a.target, err)
		}
	}
	return nil
}

// Abort discards the temp file. Safe to call after Commit.
func (a *AtomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.File.Close()
	os.Remove(a.Name())
}

// WriteFileAtomic replaces path with data using a temp file and rename.
func WriteFileAtomic(path string, data []byte) error {
	f, err := CreateAtomic(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return fmt.Errorf("write temp file: %w", err)
	}
	return f.Commit()
}

// IsTempFile reports whether name was produced by CreateAtomic.
func IsTempFile(name string) bool {
	return strings.Contains(filepath.Base(name), TempMarker)
}
