package watch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Source supplies records in order. Next returns io.EOF when a bounded
// source is exhausted; unbounded sources block until a record arrives or
// ctx is done.
//
// outofproc.Reader and tail.Follower both implement Source.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// Run feeds every record from src through the session and passes each
// resulting packet to emit.
//
// Run returns nil when src reports io.EOF, ctx.Err() when ctx is cancelled,
// the error from emit if it fails, or a wrapped source error, which is
// fatal. Cancellation is checked before each record: a record already being
// processed completes, but no new record is started. Malformed records are
// reported as KindMalformedRecord diagnostics and skipped.
//
// Whatever the outcome, the session is closed before Run returns, so
// objects left unfinished are always reported.
func (s *Session) Run(ctx context.Context, src Source, emit func(*Packet) error) (err error) {
	defer func() {
		s.Close()
		st := s.Stats()
		s.logger.Debug("watch finished",
			zap.Int("records", st.Records),
			zap.Int("packets", st.Packets),
			zap.Int("messages", st.Messages),
			zap.Int("diagnostics", st.Diagnostics),
			zap.Error(err))
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return ctxErr
			}
			return fmt.Errorf("read record: %w", err)
		}

		packet, err := s.Process(line)
		if err != nil {
			s.report(Diagnostic{Kind: KindMalformedRecord, Record: s.stats.Records, Err: err})
			continue
		}
		if packet == nil {
			continue
		}

		if err := emit(packet); err != nil {
			return err
		}
	}
}
