// Package tail follows a growing log file line by line, like tail -f.
//
// A Follower never reaches an end: Next blocks until a complete line has
// been appended or its context is cancelled. Lines are only returned once
// their newline has been written, so a record that is still being written
// is never handed out in two halves.
package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is how often the file is polled when no line is ready.
const DefaultInterval = 250 * time.Millisecond

const readSize = 32 * 1024

// Follower yields the lines appended to one file.
// It is not safe for concurrent use.
type Follower struct {
	path     string
	history  bool
	interval time.Duration
	logger   *zap.Logger

	file    *os.File
	offset  int64
	partial []byte
	lines   []string
	buf     []byte
}

// Option configures a Follower.
type Option func(*Follower)

// WithHistory makes the Follower start at the beginning of the file
// instead of at its current end.
func WithHistory(history bool) Option {
	return func(f *Follower) { f.history = history }
}

// WithInterval sets the poll interval. Values <= 0 keep DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(f *Follower) {
		if d > 0 {
			f.interval = d
		}
	}
}

// WithLogger sets the logger used for truncation notices.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Follower) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Open opens path for following. Without history, only lines written after
// Open returns are read.
func Open(path string, opts ...Option) (*Follower, error) {
	f := &Follower{
		path:     path,
		interval: DefaultInterval,
		logger:   zap.NewNop(),
		buf:      make([]byte, readSize),
	}
	for _, opt := range opts {
		opt(f)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	f.file = file

	if !f.history {
		off, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
		f.offset = off
	}
	return f, nil
}

// Next returns the next non-blank line without its terminator. It blocks
// until one is available and returns ctx.Err() once ctx is done.
func (f *Follower) Next(ctx context.Context) (string, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if len(f.lines) > 0 {
			line := f.lines[0]
			f.lines = f.lines[1:]
			return line, nil
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := f.fill()
		if err != nil {
			return "", err
		}
		if n > 0 {
			continue
		}

		if err := f.checkTruncated(); err != nil {
			return "", err
		}
		if len(f.lines) > 0 {
			continue
		}

		if timer == nil {
			timer = time.NewTimer(f.interval)
		} else {
			timer.Reset(f.interval)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// fill reads everything currently in the file and splits complete lines.
func (f *Follower) fill() (int, error) {
	total := 0
	for {
		n, err := f.file.Read(f.buf)
		if n > 0 {
			total += n
			f.offset += int64(n)
			f.split(f.buf[:n])
		}
		if errors.Is(err, io.EOF) || (n == 0 && err == nil) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read %s: %w", f.path, err)
		}
	}
}

func (f *Follower) split(data []byte) {
	f.partial = append(f.partial, data...)
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(f.partial[:i], "\r"))
		f.partial = f.partial[i+1:]
		if strings.TrimSpace(line) != "" {
			f.lines = append(f.lines, line)
		}
	}
	if len(f.partial) == 0 {
		f.partial = nil
	}
}

// checkTruncated restarts from the beginning when the file shrank below the
// read offset, which is what log rotation by copytruncate looks like.
func (f *Follower) checkTruncated() error {
	info, err := f.file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.path, err)
	}
	if info.Size() >= f.offset {
		return nil
	}

	f.logger.Info("file truncated, restarting from the beginning",
		zap.String("path", f.path),
		zap.Int64("offset", f.offset),
		zap.Int64("size", info.Size()))

	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", f.path, err)
	}
	f.offset = 0
	f.partial = nil
	_, err = f.fill()
	return err
}

// Offset returns the number of bytes consumed from the file so far.
func (f *Follower) Offset() int64 {
	return f.offset
}

// Close releases the file.
func (f *Follower) Close() error {
	return f.file.Close()
}
