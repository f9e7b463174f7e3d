package question

import (
	"errors"

	"quizrank/internal/model"
	appErr "quizrank/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the content-addressed question store. Questions are keyed by
// fingerprint so the same challenge seen in different matches maps to one row.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Lookup returns the stored question for a fingerprint.
func (s *Service) Lookup(fingerprint string) (*model.Question, error) {
	var q model.Question
	err := s.db.Where("fingerprint = ?", fingerprint).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, appErr.ErrQuestionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Learn upserts a question. Re-learning an existing fingerprint refreshes the
// answer and prompt; it never creates a duplicate.
func (s *Service) Learn(fingerprint, prompt, answer string) error {
	if fingerprint == "" {
		return appErr.ErrQuestionNotFound
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"prompt", "answer", "updated_at"}),
	}).Create(&model.Question{
		Fingerprint: fingerprint,
		Prompt:      prompt,
		Answer:      answer,
	}).Error
}

// Count reports the store size, for the health endpoint.
func (s *Service) Count() (int64, error) {
	var n int64
	err := s.db.Model(&model.Question{}).Count(&n).Error
	return n, err
}
