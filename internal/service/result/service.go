package result

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"syscall"
	"time"

	"quizrank/internal/bot"
	"quizrank/internal/identity"
	"quizrank/internal/model"
	"quizrank/internal/service/rating"
	"quizrank/internal/service/roster"
	appErr "quizrank/pkg/errors"
	"quizrank/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service settles finished matches: it turns a bot's completion callback into
// rating updates and a permanent match record, all inside one transaction.
type Service struct {
	db     *gorm.DB
	rating *rating.Service
}

func NewService(db *gorm.DB, rating *rating.Service) *Service {
	return &Service{db: db, rating: rating}
}

const (
	reapInterval = 30 * time.Second
	// orphanGrace covers room creation and the lobby join before a missing
	// process counts as an orphan.
	orphanGrace = 2 * time.Minute
)

// Start launches the orphan reaper. A bot that dies without delivering any
// callback leaves its PendingMatch behind; the reaper settles those as
// cancelled so the session cap frees up again.
func (s *Service) Start(ctx context.Context) error {
	go s.runReaper(ctx)
	return nil
}

func (s *Service) runReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOrphans()
		}
	}
}

func (s *Service) sweepOrphans() {
	var rows []model.PendingMatch
	if err := s.db.Find(&rows).Error; err != nil {
		logger.Log.Warn("orphan sweep query failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		if time.Since(row.CreatedAt) < orphanGrace {
			continue
		}
		if row.BotPID > 0 && processAlive(row.BotPID) {
			continue
		}
		err := s.ApplyCancellation(bot.CancellationPayload{
			RoomCode:  row.RoomCode,
			Cancelled: true,
			Reason:    "bot exited without reporting",
			Category:  row.Category,
		})
		if err != nil && !errors.Is(err, appErr.ErrPendingMatchNotFound) {
			logger.Log.Warn("orphan reap failed",
				zap.String("roomCode", row.RoomCode),
				zap.Error(err),
			)
		}
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// lockForUpdate row-locks on engines that support it. The sqlite used in
// tests has no row locks and rejects the clause.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// ApplyResult settles one completed match. Idempotent at the pending-match
// row: once settled the row is gone and a re-delivery fails with
// ErrPendingMatchNotFound instead of double-applying ratings.
func (s *Service) ApplyResult(payload bot.ResultPayload) error {
	if err := validateResult(payload); err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var pending model.PendingMatch
		err := lockForUpdate(tx).Where("room_code = ?", payload.RoomCode).First(&pending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			var settled int64
			tx.Model(&model.MatchRecord{}).Where("room_code = ?", payload.RoomCode).Count(&settled)
			if settled > 0 {
				return appErr.ErrMatchAlreadySettled
			}
			return appErr.ErrPendingMatchNotFound
		}
		if err != nil {
			return err
		}

		var expected []roster.ExpectedPlayer
		if err := json.Unmarshal(pending.PlayersJSON, &expected); err != nil {
			return err
		}

		resolved := resolveScores(expected, payload.Scores)
		if err := s.applyRatings(tx, pending.Category, expected, payload.Scores, resolved); err != nil {
			return err
		}

		record, err := s.createRecord(tx, pending, payload)
		if err != nil {
			return err
		}
		if err := s.storeAnswers(tx, record.ID, payload.Answers); err != nil {
			return err
		}
		if err := s.learnQuestions(tx, payload.Answers); err != nil {
			return err
		}

		if err := tx.Delete(&pending).Error; err != nil {
			return err
		}

		logger.Log.Info("match settled",
			zap.String("roomCode", payload.RoomCode),
			zap.String("category", pending.Category),
			zap.Int("scores", len(payload.Scores)),
		)
		return nil
	})
}

// ApplyCancellation closes out a match that produced no result. No ratings
// move; the record keeps the reason for later inspection.
func (s *Service) ApplyCancellation(payload bot.CancellationPayload) error {
	if payload.RoomCode == "" {
		return appErr.ErrResultValidation
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var pending model.PendingMatch
		err := lockForUpdate(tx).Where("room_code = ?", payload.RoomCode).First(&pending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.ErrPendingMatchNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now()
		if err := tx.Create(&model.MatchRecord{
			RoomCode:     pending.RoomCode,
			Category:     pending.Category,
			StartedAt:    pending.CreatedAt,
			EndedAt:      &now,
			Cancelled:    true,
			CancelReason: payload.Reason,
		}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&pending).Error; err != nil {
			return err
		}

		logger.Log.Info("match cancelled",
			zap.String("roomCode", payload.RoomCode),
			zap.String("reason", payload.Reason),
		)
		return nil
	})
}

// Terminate signals a running bot to shut its match down. The bot reacts by
// cancelling its session and delivering a cancellation callback, which is
// what actually clears the pending row.
func (s *Service) Terminate(roomCode string) error {
	var pending model.PendingMatch
	err := s.db.Where("room_code = ?", roomCode).First(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return appErr.ErrPendingMatchNotFound
	}
	if err != nil {
		return err
	}
	if pending.BotPID <= 0 {
		return appErr.ErrPendingMatchNotFound
	}

	proc, err := os.FindProcess(pending.BotPID)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	logger.Log.Info("matchbot terminated",
		zap.String("roomCode", roomCode),
		zap.Int("pid", pending.BotPID),
	)
	return nil
}

func validateResult(payload bot.ResultPayload) error {
	if payload.RoomCode == "" || len(payload.Scores) == 0 {
		return appErr.ErrResultValidation
	}
	for _, entry := range payload.Scores {
		if entry.Placement <= 0 || entry.Score < 0 {
			return appErr.ErrResultValidation
		}
	}
	return nil
}

// resolveScores maps each score entry back to an expected roster index, -1
// for unexpected players. Rating only moves for resolved entries.
func resolveScores(expected []roster.ExpectedPlayer, scores []bot.ScoreEntry) []int {
	out := make([]int, len(scores))
	for i, entry := range scores {
		if entry.Unexpected {
			out[i] = -1
			continue
		}
		connected := roster.ConnectedPlayer{Nickname: entry.Nickname}
		if entry.Auth != nil {
			connected.Identity = identity.Identity{
				Provider:  identity.FromService(entry.Auth.Service),
				ServiceID: entry.Auth.ID,
				Username:  entry.Auth.Username,
			}
		} else {
			connected.Identity = identity.Identity{Provider: identity.ProviderGuest}
		}
		out[i] = roster.Resolve(expected, connected)
	}
	return out
}

func (s *Service) applyRatings(tx *gorm.DB, category string, expected []roster.ExpectedPlayer, scores []bot.ScoreEntry, resolved []int) error {
	results := make([]rating.PlayerResult, 0, len(scores))
	userByID := make(map[string]int64, len(scores))

	for i, entry := range scores {
		idx := resolved[i]
		if idx < 0 {
			continue
		}
		userID := expected[idx].UserID

		row, err := s.loadRating(tx, userID, category)
		if err != nil {
			return err
		}

		id := strconv.FormatInt(userID, 10)
		userByID[id] = userID
		results = append(results, rating.PlayerResult{
			ID:          id,
			Skill:       row.Rating,
			Score:       entry.Score,
			Placement:   entry.Placement,
			GamesPlayed: row.GamesPlayed,
			WinStreak:   row.WinStreak,
		})
	}
	if len(results) == 0 {
		return nil
	}

	deltas := s.rating.Deltas(results)
	for _, res := range results {
		delta := deltas[res.ID]
		userID := userByID[res.ID]

		streak := 0
		if res.Placement == 1 {
			streak = res.WinStreak + 1
		}
		err := tx.Model(&model.CategoryRating{}).
			Where("user_id = ? AND category = ?", userID, category).
			Updates(map[string]interface{}{
				"rating":       res.Skill + delta,
				"games_played": res.GamesPlayed + 1,
				"win_streak":   streak,
			}).Error
		if err != nil {
			return err
		}

		logger.Log.Info("rating applied",
			zap.Int64("userID", userID),
			zap.String("category", category),
			zap.Int("delta", delta),
			zap.Int("rating", res.Skill+delta),
		)
	}
	return nil
}

// loadRating fetches the row-locked rating, creating the default row on a
// player's first match in the category.
func (s *Service) loadRating(tx *gorm.DB, userID int64, category string) (*model.CategoryRating, error) {
	var row model.CategoryRating
	err := lockForUpdate(tx).Where("user_id = ? AND category = ?", userID, category).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = model.CategoryRating{UserID: userID, Category: category, Rating: 1000}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Service) createRecord(tx *gorm.DB, pending model.PendingMatch, payload bot.ResultPayload) (*model.MatchRecord, error) {
	placements, err := json.Marshal(payload.Scores)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	record := model.MatchRecord{
		RoomCode:       pending.RoomCode,
		Category:       pending.Category,
		StartedAt:      payload.StartedAt,
		EndedAt:        &now,
		PlacementsJSON: datatypes.JSON(placements),
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = pending.CreatedAt
	}
	if err := tx.Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) storeAnswers(tx *gorm.DB, recordID int64, answers []bot.MatchAnswer) error {
	for _, a := range answers {
		err := tx.Create(&model.MatchAnswerRecord{
			MatchRecordID: recordID,
			PeerID:        a.PeerID,
			RoundIndex:    a.RoundIndex,
			QuestionHash:  a.Question,
			Answer:        a.Answer,
			PlayerAnswer:  a.PlayerAnswer,
			ElapsedMs:     a.ElapsedTime,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// learnQuestions upserts each distinct fingerprint so the question store
// keeps the latest observed answer.
func (s *Service) learnQuestions(tx *gorm.DB, answers []bot.MatchAnswer) error {
	seen := make(map[string]bool, len(answers))
	for _, a := range answers {
		if a.Question == "" || seen[a.Question] {
			continue
		}
		seen[a.Question] = true

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoUpdates: clause.AssignmentColumns([]string{"answer", "updated_at"}),
		}).Create(&model.Question{
			Fingerprint: a.Question,
			Answer:      a.Answer,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}
