package result

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"quizrank/internal/bot"
	"quizrank/internal/identity"
	"quizrank/internal/model"
	"quizrank/internal/platform"
	"quizrank/internal/service/rating"
	"quizrank/internal/service/roster"
	appErr "quizrank/pkg/errors"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&model.User{},
		&model.CategoryRating{},
		&model.PendingMatch{},
		&model.MatchRecord{},
		&model.MatchAnswerRecord{},
		&model.Question{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedPending(t *testing.T, db *gorm.DB, roomCode string) {
	t.Helper()
	expected := []roster.ExpectedPlayer{
		{UserID: 1, Identity: identity.Identity{Provider: identity.ProviderDiscord, ServiceID: "111"}, Skill: 1000},
		{UserID: 2, Identity: identity.Identity{Provider: identity.ProviderJKLM, Username: "Hyceman"}, Skill: 1000},
	}
	data, _ := json.Marshal(expected)
	err := db.Create(&model.PendingMatch{
		RoomCode:    roomCode,
		Category:    "GP_FR",
		PlayersJSON: datatypes.JSON(data),
		BotPID:      0,
	}).Error
	if err != nil {
		t.Fatalf("seed pending match: %v", err)
	}
}

func resultPayload(roomCode string) bot.ResultPayload {
	return bot.ResultPayload{
		RoomCode:  roomCode,
		Category:  "GP_FR",
		StartedAt: time.Now().Add(-5 * time.Minute),
		Scores: []bot.ScoreEntry{
			{Nickname: "Ace", Score: 150, Placement: 1, Auth: &platform.AuthInfo{Service: "discord", ID: "111"}},
			{Nickname: "Hyce", Score: 60, Placement: 2, Auth: &platform.AuthInfo{Service: "jklm", Username: "Hyceman"}},
		},
		Answers: []bot.MatchAnswer{
			{PeerID: 3, RoundIndex: 0, Question: "fp-1", Answer: "Paris", PlayerAnswer: "Paris", ElapsedTime: 2100},
		},
	}
}

func TestApplyResultSettlesMatch(t *testing.T) {
	db := setupDB(t)
	seedPending(t, db, "WXYZ")
	svc := NewService(db, rating.NewService())

	if err := svc.ApplyResult(resultPayload("WXYZ")); err != nil {
		t.Fatalf("apply result: %v", err)
	}

	var winner, loser model.CategoryRating
	if err := db.Where("user_id = ? AND category = ?", 1, "GP_FR").First(&winner).Error; err != nil {
		t.Fatalf("winner rating row missing: %v", err)
	}
	if err := db.Where("user_id = ? AND category = ?", 2, "GP_FR").First(&loser).Error; err != nil {
		t.Fatalf("loser rating row missing: %v", err)
	}
	if winner.Rating <= 1000 || loser.Rating >= 1000 {
		t.Fatalf("ratings did not move correctly: winner=%d loser=%d", winner.Rating, loser.Rating)
	}
	if winner.GamesPlayed != 1 || loser.GamesPlayed != 1 {
		t.Fatal("games played must increment for both players")
	}
	if winner.WinStreak != 1 || loser.WinStreak != 0 {
		t.Fatalf("win streaks wrong: winner=%d loser=%d", winner.WinStreak, loser.WinStreak)
	}

	var record model.MatchRecord
	if err := db.Where("room_code = ?", "WXYZ").First(&record).Error; err != nil {
		t.Fatalf("match record missing: %v", err)
	}
	if record.Cancelled || record.EndedAt == nil {
		t.Fatalf("record should be a completed match: %+v", record)
	}

	var answers int64
	db.Model(&model.MatchAnswerRecord{}).Where("match_record_id = ?", record.ID).Count(&answers)
	if answers != 1 {
		t.Fatalf("expected 1 answer record, got %d", answers)
	}

	var question model.Question
	if err := db.Where("fingerprint = ?", "fp-1").First(&question).Error; err != nil {
		t.Fatalf("question not learned: %v", err)
	}
	if question.Answer != "Paris" {
		t.Fatalf("question answer wrong: %q", question.Answer)
	}

	var pending int64
	db.Model(&model.PendingMatch{}).Where("room_code = ?", "WXYZ").Count(&pending)
	if pending != 0 {
		t.Fatal("pending match must be cleared after settlement")
	}
}

func TestApplyResultIsNotReplayable(t *testing.T) {
	db := setupDB(t)
	seedPending(t, db, "WXYZ")
	svc := NewService(db, rating.NewService())

	if err := svc.ApplyResult(resultPayload("WXYZ")); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := svc.ApplyResult(resultPayload("WXYZ")); err != appErr.ErrMatchAlreadySettled {
		t.Fatalf("replay must fail as already settled, got %v", err)
	}

	var row model.CategoryRating
	if err := db.Where("user_id = ?", 1).First(&row).Error; err != nil {
		t.Fatalf("rating row: %v", err)
	}
	if row.GamesPlayed != 1 {
		t.Fatalf("replay must not double-apply: gamesPlayed=%d", row.GamesPlayed)
	}
}

func TestApplyResultUnknownRoom(t *testing.T) {
	db := setupDB(t)
	svc := NewService(db, rating.NewService())

	if err := svc.ApplyResult(resultPayload("NOPE")); err != appErr.ErrPendingMatchNotFound {
		t.Fatalf("unknown room must fail, got %v", err)
	}
}

func TestApplyResultRejectsMalformedPayload(t *testing.T) {
	db := setupDB(t)
	seedPending(t, db, "WXYZ")
	svc := NewService(db, rating.NewService())

	bad := resultPayload("WXYZ")
	bad.Scores[0].Placement = 0
	if err := svc.ApplyResult(bad); err != appErr.ErrResultValidation {
		t.Fatalf("zero placement must be rejected, got %v", err)
	}

	empty := bot.ResultPayload{RoomCode: "WXYZ"}
	if err := svc.ApplyResult(empty); err != appErr.ErrResultValidation {
		t.Fatalf("empty scores must be rejected, got %v", err)
	}
}

func TestApplyResultSkipsUnexpectedPlayers(t *testing.T) {
	db := setupDB(t)
	seedPending(t, db, "WXYZ")
	svc := NewService(db, rating.NewService())

	payload := resultPayload("WXYZ")
	payload.Scores = append(payload.Scores, bot.ScoreEntry{
		Nickname: "Lurker", Score: 10, Placement: 3, Unexpected: true,
	})
	if err := svc.ApplyResult(payload); err != nil {
		t.Fatalf("apply result: %v", err)
	}

	var ratings int64
	db.Model(&model.CategoryRating{}).Count(&ratings)
	if ratings != 2 {
		t.Fatalf("unexpected player must not get a rating row, got %d", ratings)
	}
}

func TestOrphanSweepReapsDeadBots(t *testing.T) {
	db := setupDB(t)
	seedPending(t, db, "DEAD")
	svc := NewService(db, rating.NewService())

	err := db.Model(&model.PendingMatch{}).Where("room_code = ?", "DEAD").
		Update("created_at", time.Now().Add(-10*time.Minute)).Error
	if err != nil {
		t.Fatalf("age pending row: %v", err)
	}

	svc.sweepOrphans()

	var record model.MatchRecord
	if err := db.Where("room_code = ?", "DEAD").First(&record).Error; err != nil {
		t.Fatalf("orphan must be settled as cancelled: %v", err)
	}
	if !record.Cancelled {
		t.Fatalf("orphan record must be cancelled: %+v", record)
	}
	var pending int64
	db.Model(&model.PendingMatch{}).Count(&pending)
	if pending != 0 {
		t.Fatal("orphan pending row must be cleared")
	}
}

func TestOrphanSweepSparesLiveBots(t *testing.T) {
	db := setupDB(t)
	svc := NewService(db, rating.NewService())

	expected := []roster.ExpectedPlayer{
		{UserID: 1, Identity: identity.Identity{Provider: identity.ProviderDiscord, ServiceID: "111"}},
	}
	data, _ := json.Marshal(expected)
	err := db.Create(&model.PendingMatch{
		RoomCode:    "LIVE",
		Category:    "GP_FR",
		PlayersJSON: datatypes.JSON(data),
		BotPID:      os.Getpid(),
	}).Error
	if err != nil {
		t.Fatalf("seed pending match: %v", err)
	}
	err = db.Model(&model.PendingMatch{}).Where("room_code = ?", "LIVE").
		Update("created_at", time.Now().Add(-10*time.Minute)).Error
	if err != nil {
		t.Fatalf("age pending row: %v", err)
	}

	svc.sweepOrphans()

	var pending int64
	db.Model(&model.PendingMatch{}).Where("room_code = ?", "LIVE").Count(&pending)
	if pending != 1 {
		t.Fatal("a pending match with a live bot must not be reaped")
	}
}

func TestApplyCancellation(t *testing.T) {
	db := setupDB(t)
	seedPending(t, db, "WXYZ")
	svc := NewService(db, rating.NewService())

	err := svc.ApplyCancellation(bot.CancellationPayload{
		RoomCode: "WXYZ", Cancelled: true, Reason: "insufficient players at roster deadline", Category: "GP_FR",
	})
	if err != nil {
		t.Fatalf("apply cancellation: %v", err)
	}

	var record model.MatchRecord
	if err := db.Where("room_code = ?", "WXYZ").First(&record).Error; err != nil {
		t.Fatalf("cancellation record missing: %v", err)
	}
	if !record.Cancelled || record.CancelReason == "" {
		t.Fatalf("record must keep the cancellation reason: %+v", record)
	}

	var ratings int64
	db.Model(&model.CategoryRating{}).Count(&ratings)
	if ratings != 0 {
		t.Fatal("cancellation must not move any rating")
	}

	var pending int64
	db.Model(&model.PendingMatch{}).Count(&pending)
	if pending != 0 {
		t.Fatal("pending match must be cleared after cancellation")
	}
}
