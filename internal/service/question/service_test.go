package question

import (
	"testing"

	"quizrank/internal/model"
	appErr "quizrank/pkg/errors"

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
	if err := db.AutoMigrate(&model.Question{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestLearnAndLookup(t *testing.T) {
	svc := NewService(setupDB(t))

	if err := svc.Learn("fp-1", "Capital of France?", "Paris"); err != nil {
		t.Fatalf("learn: %v", err)
	}
	q, err := svc.Lookup("fp-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if q.Answer != "Paris" || q.Prompt != "Capital of France?" {
		t.Fatalf("stored question wrong: %+v", q)
	}
}

func TestLearnUpsertsByFingerprint(t *testing.T) {
	svc := NewService(setupDB(t))

	if err := svc.Learn("fp-1", "Capital of France?", "paris"); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if err := svc.Learn("fp-1", "Capital of France?", "Paris"); err != nil {
		t.Fatalf("relearn: %v", err)
	}

	n, err := svc.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("relearn must not duplicate, count=%d", n)
	}
	q, _ := svc.Lookup("fp-1")
	if q.Answer != "Paris" {
		t.Fatalf("relearn must refresh the answer, got %q", q.Answer)
	}
}

func TestLookupUnknown(t *testing.T) {
	svc := NewService(setupDB(t))
	if _, err := svc.Lookup("missing"); err != appErr.ErrQuestionNotFound {
		t.Fatalf("unknown fingerprint must fail, got %v", err)
	}
}
