// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package replication

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/logger"
)

// WriteLog stores events as JSON lines in append-only files laid out as
// <dir>/<stream>/<version>. A writer rolls to a new version to start a new
// file; readers walk the versions in order.
type WriteLog struct {
	dataDir string

	mu        sync.RWMutex
	logFiles  map[string]*os.File
	lockFiles map[string]*os.File

	logger logger.Logger
}

func NewWriteLog(dir string, log logger.Logger) *WriteLog {
	if log == nil {
		log = logger.NopLogger
	}
	return &WriteLog{
		dataDir:   dir,
		logFiles:  make(map[string]*os.File),
		lockFiles: make(map[string]*os.File),
		logger:    log,
	}
}

// Append writes ev to the given version of stream and syncs the file.
func (w *WriteLog) Append(stream string, version int, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshaling event")
	}
	fKey := fullKey(stream, version)
	logFile, err := w.logFileByKey(fKey)
	if err != nil {
		return errors.Wrapf(err, "getting log file by key: %s", fKey)
	}

	_, err = logFile.Write(append(msg, "\n"...))
	if err != nil {
		return errors.Wrapf(err, "writing to log file %s", logFile.Name())
	}
	err = logFile.Sync()
	return errors.Wrapf(err, "syncing log file %s", logFile.Name())
}

// Versions lists the versions written for stream in ascending order.
func (w *WriteLog) Versions(stream string) ([]int, error) {
	dirpath := path.Join(w.dataDir, stream)

	entries, err := os.ReadDir(dirpath)
	if err != nil {
		if pe, ok := err.(*os.PathError); ok && pe.Err == syscall.ENOENT {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading directory")
	}

	versions := make([]int, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), "_lock_") {
			continue
		}
		version, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "write log filename '%s' could not be parsed to version number", entry.Name())
		}
		versions = append(versions, int(version))
	}
	sort.Ints(versions)
	return versions, nil
}

// LogReaderFrom opens a version of stream positioned at byte pos.
func (w *WriteLog) LogReaderFrom(stream string, version int, pos int64) (io.ReadCloser, error) {
	_, filePath := w.paths(fullKey(stream, version))

	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	if pos > 0 {
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "seeking %s", filePath)
		}
	}
	w.logger.Debugf("WriteLog reader file: %s", f.Name())

	return f, nil
}

// DeleteLog closes and removes one version of stream.
func (w *WriteLog) DeleteLog(stream string, version int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fullKey := fullKey(stream, version)
	_, filePath := w.paths(fullKey)

	if f, ok := w.logFiles[fullKey]; ok {
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "closing log file")
		}
		delete(w.logFiles, fullKey)
	}

	err := os.Remove(filePath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (w *WriteLog) lockFile(stream string) (string, string) {
	lockFile := path.Join(w.dataDir, stream, "_lock_")
	return path.Dir(lockFile), lockFile
}

// Lock claims stream for a single writer. It fails if the stream is
// already locked.
func (w *WriteLog) Lock(stream string) error {
	lockDir, lockFile := w.lockFile(stream)

	if err := os.MkdirAll(lockDir, 0777); err != nil {
		return errors.Wrapf(err, "lock dir %s", lockDir)
	}

	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|syscall.O_NONBLOCK, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening lock file: %s", lockFile)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lockFiles[lockFile] = f
	return nil
}

// Unlock releases stream and closes its open log files.
func (w *WriteLog) Unlock(stream string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	keyPrefix := stream + "/"
	for logKey, logFile := range w.logFiles {
		if strings.HasPrefix(logKey, keyPrefix) {
			_ = logFile.Close()
			delete(w.logFiles, logKey)
		}
	}
	// TODO(ivm) the lock file survives a killed process; switch to flock
	// once tests can run writers in separate processes.
	_, lockFile := w.lockFile(stream)

	if f, ok := w.lockFiles[lockFile]; ok {
		_ = f.Close()
	} else {
		w.logger.Warnf("unlocking %s: no cached lock file", lockFile)
	}
	err := os.Remove(lockFile)
	delete(w.lockFiles, lockFile)
	return errors.Wrap(err, "removing lock file")
}

// Close closes every open log file.
func (w *WriteLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for k, f := range w.logFiles {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(w.logFiles, k)
	}
	return first
}

// paths takes a key and returns the full directory path and file path.
func (w *WriteLog) paths(key string) (string, string) {
	filePath := path.Join(w.dataDir, key)
	dirPath, _ := path.Split(filePath)
	return dirPath, filePath
}

// logFileByKey returns the file for key, creating it and its directories if
// needed.
func (w *WriteLog) logFileByKey(key string) (*os.File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if f, ok := w.logFiles[key]; ok {
		return f, nil
	}

	dirPath, filePath := w.paths(key)

	if err := os.MkdirAll(dirPath, 0777); err != nil {
		return nil, errors.Wrapf(err, "making directory: %s", dirPath)
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening file: %s", filePath)
	}

	w.logFiles[key] = f

	return f, nil
}

func fullKey(stream string, version int) string {
	return path.Join(stream, fmt.Sprintf("%d", version))
}

// LogSource tails a stream of a WriteLog. At the end of a version it moves
// to the next one if it exists and otherwise polls for more data.
type LogSource struct {
	log          *WriteLog
	stream       string
	PollInterval time.Duration

	version int
	started bool
	pos     int64
	rc      io.ReadCloser
	rd      *bufio.Reader
	partial []byte
	closed  bool
}

func NewLogSource(log *WriteLog, stream string) *LogSource {
	return &LogSource{log: log, stream: stream, PollInterval: 100 * time.Millisecond}
}

// Next returns the next event in the stream.
func (s *LogSource) Next(ctx context.Context) (Event, error) {
	for {
		if s.closed {
			return Event{}, errors.New(ErrSourceClosed, "log source closed")
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		if s.rd == nil {
			ok, err := s.open()
			if err != nil {
				return Event{}, err
			}
			if !ok {
				if err := s.sleep(ctx); err != nil {
					return Event{}, err
				}
			}
			continue
		}

		line, err := s.rd.ReadBytes('\n')
		s.partial = append(s.partial, line...)
		s.pos += int64(len(line))
		if err == nil {
			buf := s.partial
			s.partial = nil
			if len(strings.TrimSpace(string(buf))) == 0 {
				continue
			}
			return DecodeEvent(buf)
		}
		if err != io.EOF {
			return Event{}, errors.Wrapf(err, "reading %s version %d", s.stream, s.version)
		}

		next, err := s.nextVersion()
		if err != nil {
			return Event{}, err
		}
		if next < 0 {
			if err := s.sleep(ctx); err != nil {
				return Event{}, err
			}
			continue
		}
		if len(s.partial) > 0 {
			s.log.logger.Warnf("dropping truncated event at end of %s version %d", s.stream, s.version)
			s.partial = nil
		}
		s.rc.Close()
		s.rc, s.rd = nil, nil
		s.version, s.pos = next, 0
	}
}

// open opens the current version, or the first one on the first call.
func (s *LogSource) open() (bool, error) {
	if !s.started {
		vs, err := s.log.Versions(s.stream)
		if err != nil {
			return false, err
		}
		if len(vs) == 0 {
			return false, nil
		}
		s.version, s.started = vs[0], true
	}
	rc, err := s.log.LogReaderFrom(s.stream, s.version, s.pos)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	s.rc, s.rd = rc, bufio.NewReader(rc)
	return true, nil
}

// nextVersion returns the version after the current one, or -1.
func (s *LogSource) nextVersion() (int, error) {
	vs, err := s.log.Versions(s.stream)
	if err != nil {
		return -1, err
	}
	for _, v := range vs {
		if v > s.version {
			return v, nil
		}
	}
	return -1, nil
}

func (s *LogSource) sleep(ctx context.Context) error {
	t := time.NewTimer(s.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close releases the open file. Later calls to Next fail.
func (s *LogSource) Close() error {
	s.closed = true
	if s.rc != nil {
		err := s.rc.Close()
		s.rc, s.rd = nil, nil
		return err
	}
	return nil
}
