// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package logger

import (
	"os"
	"sync"

	"github.com/featurebasedb/ivm/errors"
)

// FileWriter is an append-only log file that can be reopened in place, so
// external log rotation only needs to signal the process.
type FileWriter struct {
	mu   sync.Mutex
	f    *os.File
	path string
	mode os.FileMode
}

// NewFileWriter opens path for appending, creating it with mode 0600.
func NewFileWriter(path string) (*FileWriter, error) {
	fw := &FileWriter{path: path, mode: 0600}
	if err := fw.Reopen(); err != nil {
		return nil, err
	}
	return fw, nil
}

// Reopen closes the current handle and opens the path again.
func (fw *FileWriter) Reopen() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.f != nil {
		fw.f.Close()
		fw.f = nil
	}
	f, err := os.OpenFile(fw.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, fw.mode)
	if err != nil {
		return errors.Wrapf(err, "opening log file %s", fw.path)
	}
	fw.f = f
	return nil
}

func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.f == nil {
		return 0, os.ErrClosed
	}
	return fw.f.Write(p)
}

func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.f == nil {
		return nil
	}
	err := fw.f.Close()
	fw.f = nil
	return err
}
