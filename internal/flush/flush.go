// Package flush periodically persists room documents that changed in memory.
package flush

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/codesync/internal/logging"
	"github.com/manpreetbhatti/codesync/internal/room"
)

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Source lists the rooms currently held in memory.
type Source interface {
	Rooms() []*room.Room
}

type Store interface {
	UpdateRoomCode(ctx context.Context, id, code string) error
}

type Service struct {
	source   Source
	store    Store
	config   Config
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(source Source, store Store, config Config, logger *slog.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	logger = logging.OrDefault(logger)
	return &Service{
		source: source,
		store:  store,
		config: config,
		logger: logger.With("component", "flush"),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("flush service started", "interval", s.config.Interval)
}

// Stop ends the loop and writes whatever is still dirty.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
		defer cancel()
		s.FlushNow(ctx)
		s.logger.Info("flush service stopped")
	})
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
			s.FlushNow(ctx)
			cancel()
		}
	}
}

// FlushNow writes every dirty room and returns how many were persisted.
// Rooms that fail to write stay dirty for the next pass.
func (s *Service) FlushNow(ctx context.Context) int {
	flushed := 0
	for _, r := range s.source.Rooms() {
		code, dirty := r.TakeDirty()
		if !dirty {
			continue
		}
		if err := s.store.UpdateRoomCode(ctx, r.ID, code); err != nil {
			r.MarkDirty()
			s.logger.Warn("flush failed", "room_id", r.ID, "error", err)
			continue
		}
		flushed++
	}

	if flushed > 0 {
		s.logger.Debug("flushed rooms", "count", flushed)
	}
	return flushed
}
