package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
)

// backwardChunkSize is how much of the log is read per ReadAt while scanning backward.
const backwardChunkSize = 4096

// LogTailReader discovers commands appended to the command log since the previous poll.
//
// The log is append-only, so the reader scans from the physical end of the file
// backward and stops at the first frame it has already consumed.
//
// This is intended to be called only by the daemon goroutine (single-owner).
type LogTailReader struct {
	path   string
	logger *slog.Logger

	prevReachedFrame uint64
	firstRead        bool

	// openFailure is the last open failure condition, so a missing log is
	// reported once per change instead of on every poll.
	openFailure string
}

// NewLogTailReader returns a reader for path. Nothing is opened until the first poll.
func NewLogTailReader(path string, logger *slog.Logger) *LogTailReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTailReader{
		path:      path,
		logger:    logger,
		firstRead: true,
	}
}

// Watermark returns the highest frame consumed so far.
func (r *LogTailReader) Watermark() uint64 { return r.prevReachedFrame }

// NewEvents returns the events for commands appended since the previous poll,
// in chronological order. It never fails: I/O problems are logged and yield
// an empty or partial result.
func (r *LogTailReader) NewEvents() []Event {
	f, err := os.Open(r.path)
	if err != nil {
		r.reportOpenFailure(err)
		return nil
	}
	defer f.Close()
	r.openFailure = ""

	info, err := f.Stat()
	if err != nil {
		r.logger.Warn("command log stat failed", "path", r.path, "error", err)
		return nil
	}
	sc := newBackwardScanner(f, info.Size())
	maxFrame := r.prevReachedFrame
	var found []Event // newest first
	deferred, sawLine := false, false

	for sc.Scan() {
		if sc.Unterminated() {
			// The writer is mid-append. The line is read once its newline lands.
			r.logger.Debug("deferring unterminated command log line", "path", r.path, "bytes", len(sc.Line()))
			deferred = true
			continue
		}
		cmd, err := ParseCommand(string(sc.Line()))
		if errors.Is(err, ErrEmptyLine) {
			continue
		}
		sawLine = true
		if err != nil {
			LogLinesRejected.WithLabelValues(errorCode(err)).Inc()
			r.logger.Warn("skipping unparsable command log line", errorAttrs(err)...)
			continue
		}
		if len(cmd.BadArgs) > 0 {
			r.logger.Warn("skipping malformed command arguments", "frame", cmd.Frame, "event", cmd.Name, "arguments", cmd.BadArgs)
		}

		// Everything at or below the watermark was consumed by an earlier poll.
		// The first poll also accepts frames equal to the watermark so a command
		// on frame 0 is not lost.
		if cmd.Frame < r.prevReachedFrame || (cmd.Frame == r.prevReachedFrame && !r.firstRead) {
			break
		}
		if cmd.Frame > maxFrame {
			maxFrame = cmd.Frame
		}

		ev, err := cmd.ToEvent()
		if err != nil {
			LogLinesRejected.WithLabelValues(errorCode(err)).Inc()
			r.logger.Warn("dropping command", append([]any{"frame", cmd.Frame}, errorAttrs(err)...)...)
			continue
		}
		found = append(found, ev)
	}
	if err := sc.Err(); err != nil {
		r.logger.Warn("command log read aborted; returning partial results", "path", r.path, "error", err, "events", len(found))
	}

	slices.Reverse(found)
	r.prevReachedFrame = maxFrame
	// A cold start that only found a half-written line keeps the frame 0
	// exception for when that line completes.
	if sawLine || !deferred {
		r.firstRead = false
	}
	return found
}

func (r *LogTailReader) reportOpenFailure(err error) {
	var condition string
	switch {
	case errors.Is(err, fs.ErrNotExist):
		condition = "not found"
	case errors.Is(err, fs.ErrPermission):
		condition = "permission denied"
	default:
		condition = "open error"
	}

	if condition == r.openFailure {
		r.logger.Debug("command log unavailable", "path", r.path, "condition", condition, "error", err)
		return
	}
	r.openFailure = condition
	r.logger.Warn("command log unavailable", "path", r.path, "condition", condition, "error", err)
}

// backwardScanner yields the lines of the first size bytes of r from last to first.
// Lines are returned without their terminating newline; a trailing '\r' is kept.
// When the data ends in a newline the first line yielded is empty.
type backwardScanner struct {
	r     io.ReaderAt
	pos   int64  // bytes [0, pos) have not been read yet
	buf   []byte // read but not yet returned, starts mid-line
	line  []byte
	lines int
	done  bool
	err   error
}

func newBackwardScanner(r io.ReaderAt, size int64) *backwardScanner {
	return &backwardScanner{r: r, pos: size, done: size == 0}
}

// Scan advances to the previous line. It returns false at the start of the
// data or on a read error.
func (s *backwardScanner) Scan() bool {
	if s.done || s.err != nil {
		return false
	}
	for {
		if i := bytes.LastIndexByte(s.buf, '\n'); i >= 0 {
			s.line = s.buf[i+1:]
			s.buf = s.buf[:i]
			s.lines++
			return true
		}
		if s.pos == 0 {
			// Whatever is left is the first line of the file.
			s.line = s.buf
			s.buf = nil
			s.done = true
			s.lines++
			return true
		}

		n := int64(backwardChunkSize)
		if n > s.pos {
			n = s.pos
		}
		s.pos -= n

		chunk := make([]byte, int(n)+len(s.buf))
		if _, err := s.r.ReadAt(chunk[:n], s.pos); err != nil {
			s.err = fmt.Errorf("read at offset %d: %w", s.pos, err)
			return false
		}
		copy(chunk[n:], s.buf)
		s.buf = chunk
	}
}

// Line returns the line found by the last successful Scan.
// It is only valid until the next call to Scan.
func (s *backwardScanner) Line() []byte { return s.line }

// Unterminated reports whether the current line is the last line of the data
// and has no newline after it.
func (s *backwardScanner) Unterminated() bool { return s.lines == 1 && len(s.line) > 0 }

// Err returns the read error that stopped the scan, if any.
func (s *backwardScanner) Err() error { return s.err }
