// Package historian drains the match queue the lobby server publishes to and
// hands records to a sink in batches.
package historian

import (
	"context"
	"errors"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/cache"
	"github.com/sirupsen/logrus"
)

// Source yields queued match records. *cache.RedisPublisher implements it.
type Source interface {
	PopMatch(ctx context.Context, timeout time.Duration) (*cache.MatchRecord, error)
}

// Sink receives each flushed batch. A failed batch is logged and dropped.
type Sink func(ctx context.Context, batch []cache.MatchRecord) error

type Options struct {
	BatchSize  int
	FlushDelay time.Duration
	Log        logrus.FieldLogger
}

type Service struct {
	src  Source
	sink Sink
	opts Options

	batch     []cache.MatchRecord
	lastFlush time.Time
}

func New(src Source, sink Sink, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = 500 * time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Service{
		src:   src,
		sink:  sink,
		opts:  opts,
		batch: make([]cache.MatchRecord, 0, opts.BatchSize),
	}
}

// Run pops records until ctx is done, flushing whenever the batch is full or
// FlushDelay passed since the last flush. Whatever is pending is flushed on
// the way out.
func (s *Service) Run(ctx context.Context) error {
	s.lastFlush = time.Now()
	s.opts.Log.Info("historian started")
	defer s.opts.Log.Info("historian shutting down")

	for {
		if ctx.Err() != nil {
			s.flush(context.Background())
			return nil
		}
		rec, err := s.src.PopMatch(ctx, s.opts.FlushDelay)
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case err != nil:
			s.opts.Log.Errorf("pop match: %v", err)
			sleep(ctx, s.opts.FlushDelay)
		case rec != nil:
			s.batch = append(s.batch, *rec)
		}
		if len(s.batch) >= s.opts.BatchSize || time.Since(s.lastFlush) >= s.opts.FlushDelay {
			s.flush(ctx)
		}
	}
}

func (s *Service) flush(ctx context.Context) {
	s.lastFlush = time.Now()
	if len(s.batch) == 0 {
		return
	}
	out := make([]cache.MatchRecord, len(s.batch))
	copy(out, s.batch)
	s.batch = s.batch[:0]

	if err := s.sink(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
		s.opts.Log.Errorf("flush %d records: %v", len(out), err)
		return
	}
	s.opts.Log.Debugf("flushed %d match records", len(out))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// LogSink writes every record as a structured log line.
func LogSink(log logrus.FieldLogger) Sink {
	return func(_ context.Context, batch []cache.MatchRecord) error {
		for _, r := range batch {
			log.WithFields(logrus.Fields{
				"lobby":    r.LobbyID,
				"room":     r.RoomID,
				"gameType": r.GameType,
				"gameMode": r.GameMode,
				"wager":    r.Wager,
				"token":    r.WagerToken.Symbol,
				"players":  len(r.Roster),
				"started":  time.Unix(r.StartedAt, 0).UTC().Format(time.RFC3339),
			}).Info("match")
		}
		return nil
	}
}
