// Package compaction periodically removes what the live system no longer
// needs: tombstoned drawings past their undo horizon and surplus auto-saves.
package compaction

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Interval           time.Duration
	TombstoneRetention time.Duration
	KeepAutoVersions   int
}

func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Minute,
		TombstoneRetention: 7 * 24 * time.Hour,
		KeepAutoVersions:   20,
	}
}

// Store is the subset of the durable store compaction works on.
type Store interface {
	PurgeDeleted(ctx context.Context, before time.Time) (int64, error)
	RoomsWithAutoVersions(ctx context.Context, keepCount int) ([]string, error)
	DeleteOldAutoVersions(ctx context.Context, roomID string, keepCount int) error
}

type Service struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(store Store, config Config, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("compaction service started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("tombstone_retention", s.config.TombstoneRetention),
		zap.Int("keep_auto_versions", s.config.KeepAutoVersions),
	)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compact()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compact()
		}
	}
}

func (s *Service) compact() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
	defer cancel()
	if _, err := s.CompactNow(ctx); err != nil {
		s.logger.Error("compaction failed", zap.Error(err))
	}
}

// Result reports what one pass removed.
type Result struct {
	PurgedDraws int64
	PrunedRooms int
}

// CompactNow runs a single pass synchronously.
func (s *Service) CompactNow(ctx context.Context) (Result, error) {
	var res Result

	cutoff := s.now().Add(-s.config.TombstoneRetention)
	purged, err := s.store.PurgeDeleted(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.PurgedDraws = purged

	rooms, err := s.store.RoomsWithAutoVersions(ctx, s.config.KeepAutoVersions)
	if err != nil {
		return res, err
	}
	for _, roomID := range rooms {
		if err := s.store.DeleteOldAutoVersions(ctx, roomID, s.config.KeepAutoVersions); err != nil {
			s.logger.Warn("pruning auto versions failed", zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		res.PrunedRooms++
	}

	if res.PurgedDraws > 0 || res.PrunedRooms > 0 {
		s.logger.Info("compacted",
			zap.Int64("purged_draws", res.PurgedDraws),
			zap.Int("pruned_rooms", res.PrunedRooms),
		)
	}
	return res, nil
}
