package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"quizrank/internal/config"
	"quizrank/internal/model"
	"quizrank/internal/service/roster"
	appErr "quizrank/pkg/errors"
	"quizrank/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Spawner starts one matchbot for a popped group and reports the room it
// reserved plus the bot's process id.
type Spawner interface {
	Spawn(ctx context.Context, category string, players []Entry) (roomCode string, pid int, err error)
}

// Service owns the per-category waiting queues. All queue state lives in
// redis; pending-match bookkeeping lives in the database.
type Service struct {
	rdb        *redis.Client
	db         *gorm.DB
	cfg        Config
	categories []config.CategoryConfig
	spawner    Spawner

	startOnce sync.Once
}

func NewService(rdb *redis.Client, db *gorm.DB, spawner Spawner, cfg Config, categories []config.CategoryConfig) *Service {
	cfg.applyDefaults()
	return &Service{
		rdb:        rdb,
		db:         db,
		cfg:        cfg,
		categories: categories,
		spawner:    spawner,
	}
}

// Start launches one sweeper per configured category.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		for _, cat := range s.categories {
			go s.runSweeper(ctx, cat.Tag)
		}
	})
	return nil
}

func (s *Service) validCategory(tag string) bool {
	for _, cat := range s.categories {
		if cat.Tag == tag {
			return true
		}
	}
	return false
}

// Join inserts the entry. Idempotent per user: re-joining replaces the prior
// entry; joining a different category moves the user there.
func (s *Service) Join(ctx context.Context, entry Entry, category string) (*StatusResult, error) {
	if !s.validCategory(category) {
		return nil, appErr.ErrCategoryUnknown
	}

	if current, err := s.rdb.Get(ctx, buildUserKey(entry.UserID)).Result(); err == nil && current != category {
		if err := s.removeEntry(ctx, current, entry.UserID); err != nil {
			return nil, err
		}
	} else if err != nil && err != redis.Nil {
		return nil, err
	}

	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	memberID := strconv.FormatInt(entry.UserID, 10)

	if err := s.rdb.Set(ctx, buildMemberKey(category, entry.UserID), data, s.cfg.HeartbeatTTL).Err(); err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, buildUserKey(entry.UserID), category, s.cfg.HeartbeatTTL).Err(); err != nil {
		return nil, err
	}
	if err := s.rdb.ZAdd(ctx, buildQueueKey(category), redis.Z{
		Score:  float64(entry.JoinedAt.UnixMilli()),
		Member: memberID,
	}).Err(); err != nil {
		s.rdb.Del(ctx, buildMemberKey(category, entry.UserID), buildUserKey(entry.UserID))
		return nil, err
	}

	logger.Log.Info("user joined queue",
		zap.Int64("userID", entry.UserID),
		zap.String("category", category),
	)

	return s.categoryStatus(ctx, category, entry.UserID)
}

// Leave removes the user from whichever category queue holds them.
func (s *Service) Leave(ctx context.Context, userID int64) error {
	category, err := s.rdb.Get(ctx, buildUserKey(userID)).Result()
	if err == redis.Nil {
		return appErr.ErrNotQueued
	}
	if err != nil {
		return err
	}

	if err := s.removeEntry(ctx, category, userID); err != nil {
		return err
	}

	// Dropping below the threshold cancels an active countdown.
	count, err := s.rdb.ZCard(ctx, buildQueueKey(category)).Result()
	if err == nil && int(count) < s.cfg.MinPlayers {
		s.rdb.Del(ctx, buildCountdownKey(category))
	}

	logger.Log.Info("user left queue",
		zap.Int64("userID", userID),
		zap.String("category", category),
	)
	return nil
}

// Heartbeat refreshes the entry's abandonment window.
func (s *Service) Heartbeat(ctx context.Context, userID int64) error {
	category, err := s.rdb.Get(ctx, buildUserKey(userID)).Result()
	if err == redis.Nil {
		return appErr.ErrNotQueued
	}
	if err != nil {
		return err
	}
	if err := s.rdb.Expire(ctx, buildMemberKey(category, userID), s.cfg.HeartbeatTTL).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, buildUserKey(userID), s.cfg.HeartbeatTTL).Err()
}

// Status reports the user's queue position and countdown.
func (s *Service) Status(ctx context.Context, userID int64) (*StatusResult, error) {
	category, err := s.rdb.Get(ctx, buildUserKey(userID)).Result()
	if err == redis.Nil {
		return &StatusResult{State: QueueStateIdle}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.categoryStatus(ctx, category, userID)
}

func (s *Service) categoryStatus(ctx context.Context, category string, userID int64) (*StatusResult, error) {
	memberID := strconv.FormatInt(userID, 10)
	rank, err := s.rdb.ZRank(ctx, buildQueueKey(category), memberID).Result()
	if err == redis.Nil {
		return &StatusResult{State: QueueStateIdle}, nil
	}
	if err != nil {
		return nil, err
	}
	count, err := s.rdb.ZCard(ctx, buildQueueKey(category)).Result()
	if err != nil {
		return nil, err
	}

	result := &StatusResult{
		State:    QueueStateQueued,
		Category: category,
		Position: int(rank) + 1,
		Count:    int(count),
	}
	if deadline, err := s.countdownDeadline(ctx, category); err == nil && deadline != nil {
		result.CountdownEndsAt = deadline
	}
	if entry, err := s.loadEntry(ctx, category, userID); err == nil {
		joined := entry.JoinedAt
		result.JoinedAt = &joined
	}
	return result, nil
}

// TryPopMatch atomically drains the category queue. Callable only once the
// countdown has both started and elapsed with the threshold still met.
func (s *Service) TryPopMatch(ctx context.Context, category string) ([]Entry, error) {
	deadline, err := s.countdownDeadline(ctx, category)
	if err != nil {
		return nil, err
	}
	if deadline == nil || time.Now().Before(*deadline) {
		return nil, appErr.ErrQueueNotReady
	}

	gotLock, err := s.rdb.SetNX(ctx, buildPopLockKey(category), 1, s.cfg.PopLockTTL).Result()
	if err != nil {
		return nil, err
	}
	if !gotLock {
		return nil, appErr.ErrQueueProcessing
	}
	defer s.rdb.Del(ctx, buildPopLockKey(category))

	members, err := s.rdb.ZRange(ctx, buildQueueKey(category), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(members))
	for _, member := range members {
		userID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		entry, err := s.loadEntry(ctx, category, userID)
		if err != nil {
			// Stale member whose heartbeat key expired: not matchable.
			continue
		}
		entries = append(entries, entry)
	}

	if len(entries) < s.cfg.MinPlayers {
		s.rdb.Del(ctx, buildCountdownKey(category))
		return nil, appErr.ErrQueueNotReady
	}

	removed := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if err := s.removeEntry(ctx, category, entry.UserID); err != nil {
			// Partial drain: put the already-removed prefix back so nobody
			// is silently dropped from the queue.
			s.Rollback(ctx, category, removed)
			return nil, err
		}
		removed = append(removed, entry)
	}
	s.rdb.Del(ctx, buildCountdownKey(category))
	return entries, nil
}

// Rollback re-queues popped entries after a failed spawn so nobody is lost.
func (s *Service) Rollback(ctx context.Context, category string, entries []Entry) {
	for _, entry := range entries {
		if _, err := s.Join(ctx, entry, category); err != nil {
			logger.Log.Error("queue rollback failed",
				zap.Int64("userID", entry.UserID),
				zap.String("category", category),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) runSweeper(ctx context.Context, category string) {
	logger.Log.Info("queue sweeper started", zap.String("category", category))
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("queue sweeper stopped", zap.String("category", category))
			return
		case <-ticker.C:
			if err := s.sweep(ctx, category); err != nil {
				logger.Log.Warn("queue sweep error",
					zap.String("category", category),
					zap.Error(err),
				)
			}
		}
	}
}

// sweep evicts abandoned entries, maintains the countdown and pops a ready
// match. Eviction runs strictly before the pop so nobody is both evicted and
// matched in the same tick.
func (s *Service) sweep(ctx context.Context, category string) error {
	if err := s.evictStale(ctx, category); err != nil {
		return err
	}

	count, err := s.rdb.ZCard(ctx, buildQueueKey(category)).Result()
	if err != nil {
		return err
	}
	deadline, err := s.countdownDeadline(ctx, category)
	if err != nil {
		return err
	}

	switch decideCountdown(int(count), s.cfg.MinPlayers, deadline, time.Now()) {
	case countdownStart:
		endsAt := time.Now().Add(s.cfg.Countdown)
		if err := s.rdb.Set(ctx, buildCountdownKey(category), endsAt.UnixMilli(), 0).Err(); err != nil {
			return err
		}
		logger.Log.Info("queue countdown started",
			zap.String("category", category),
			zap.Int64("players", count),
			zap.Time("endsAt", endsAt),
		)
	case countdownClear:
		s.rdb.Del(ctx, buildCountdownKey(category))
		logger.Log.Info("queue countdown cleared", zap.String("category", category))
	case countdownPop:
		return s.popAndSpawn(ctx, category)
	}
	return nil
}

func (s *Service) evictStale(ctx context.Context, category string) error {
	members, err := s.rdb.ZRange(ctx, buildQueueKey(category), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		userID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		exists, err := s.rdb.Exists(ctx, buildMemberKey(category, userID)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			s.rdb.ZRem(ctx, buildQueueKey(category), member)
			s.rdb.Del(ctx, buildUserKey(userID))
			logger.Log.Info("queue entry evicted",
				zap.Int64("userID", userID),
				zap.String("category", category),
			)
		}
	}
	return nil
}

func (s *Service) popAndSpawn(ctx context.Context, category string) error {
	var pending int64
	if err := s.db.WithContext(ctx).Model(&model.PendingMatch{}).Count(&pending).Error; err != nil {
		return err
	}
	if config.GlobalConfig != nil && int(pending) >= config.GlobalConfig.Bot.MaxSessions {
		return appErr.ErrSessionLimitReached
	}

	entries, err := s.TryPopMatch(ctx, category)
	if err != nil {
		if err == appErr.ErrQueueNotReady || err == appErr.ErrQueueProcessing {
			return nil
		}
		return err
	}

	roomCode, pid, err := s.spawner.Spawn(ctx, category, entries)
	if err != nil {
		logger.Log.Error("bot spawn failed, rolling queue back",
			zap.String("category", category),
			zap.Int("players", len(entries)),
			zap.Error(err),
		)
		s.Rollback(ctx, category, entries)
		return err
	}

	if err := s.recordPendingMatch(ctx, roomCode, category, pid, entries); err != nil {
		return fmt.Errorf("record pending match: %w", err)
	}

	logger.Log.Info("match spawned",
		zap.String("category", category),
		zap.String("roomCode", roomCode),
		zap.Int("pid", pid),
		zap.Int("players", len(entries)),
	)
	return nil
}

func (s *Service) recordPendingMatch(ctx context.Context, roomCode, category string, pid int, entries []Entry) error {
	expected := make([]roster.ExpectedPlayer, 0, len(entries))
	for _, e := range entries {
		expected = append(expected, roster.ExpectedPlayer{
			UserID:   e.UserID,
			Identity: e.Identity,
			Skill:    e.Skill,
		})
	}
	data, err := json.Marshal(expected)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model.PendingMatch{
		RoomCode:    roomCode,
		Category:    category,
		PlayersJSON: datatypes.JSON(data),
		BotPID:      pid,
	}).Error
}

func (s *Service) loadEntry(ctx context.Context, category string, userID int64) (Entry, error) {
	var entry Entry
	data, err := s.rdb.Get(ctx, buildMemberKey(category, userID)).Result()
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return entry, err
	}
	return entry, nil
}

func (s *Service) removeEntry(ctx context.Context, category string, userID int64) error {
	memberID := strconv.FormatInt(userID, 10)
	if err := s.rdb.ZRem(ctx, buildQueueKey(category), memberID).Err(); err != nil && err != redis.Nil {
		return err
	}
	s.rdb.Del(ctx, buildMemberKey(category, userID), buildUserKey(userID))
	return nil
}

func (s *Service) countdownDeadline(ctx context.Context, category string) (*time.Time, error) {
	val, err := s.rdb.Get(ctx, buildCountdownKey(category)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, nil
	}
	deadline := time.UnixMilli(ms)
	return &deadline, nil
}

func buildQueueKey(category string) string {
	return fmt.Sprintf("queue:%s", category)
}

func buildMemberKey(category string, userID int64) string {
	return fmt.Sprintf("queue:member:%s:%d", category, userID)
}

func buildUserKey(userID int64) string {
	return fmt.Sprintf("queue:user:%d", userID)
}

func buildCountdownKey(category string) string {
	return fmt.Sprintf("queue:countdown:%s", category)
}

func buildPopLockKey(category string) string {
	return fmt.Sprintf("queue:poplock:%s", category)
}
