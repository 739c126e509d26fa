package outofproc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// Reader reads OutOfProcess protocol lines from a finished capture or a
// pipe. It does not parse them; see ParsePacket.
//
// The underlying io.Reader is read by a background goroutine, so Next
// returns as soon as ctx is done even while a read is blocked, e.g. on a
// quiet stdin. A line read after that point is kept for the next call. The
// goroutine exits when the underlying reader returns an error.
type Reader struct {
	reader *bufio.Reader
	start  sync.Once
	lines  chan readResult
	err    error
	line   int
}

type readResult struct {
	line string
	err  error
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		reader: bufio.NewReader(r),
		lines:  make(chan readResult),
	}
}

func (r *Reader) readLoop() {
	for {
		line, err := r.reader.ReadString('\n')
		if line != "" {
			r.lines <- readResult{line: line}
		}
		if err != nil {
			r.lines <- readResult{err: err}
			return
		}
	}
}

// Next returns the next non-blank line without its line terminator.
// It returns io.EOF once the input is exhausted; a last line without a
// trailing newline is still returned first. Once the input has failed or
// ended, every later call returns the same error. If ctx is done first,
// Next returns ctx.Err().
func (r *Reader) Next(ctx context.Context) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		r.start.Do(func() { go r.readLoop() })

		var res readResult
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res = <-r.lines:
		}

		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				res.err = io.EOF
			}
			r.err = res.err
			return "", r.err
		}
		r.line++

		line := strings.TrimRight(res.line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, nil
	}
}

// Line returns the 1-based number of the line last returned by Next.
func (r *Reader) Line() int {
	return r.line
}
