package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/desh0cc/psychopass/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const lastUploadLayout = "2006.01.02"

// StatsService maintains the derived aggregate row
type StatsService struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// NewStatsService creates a new stats service
func NewStatsService(db *gorm.DB, log *zap.Logger) *StatsService {
	return &StatsService{db: db, log: log, now: time.Now}
}

// Ensure creates the stats row if it is missing
func (s *StatsService) Ensure(ctx context.Context) error {
	row := models.Stats{ID: 1, Version: "0.2.0"}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Select("id", "version").
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to ensure stats row: %w", err)
	}
	return nil
}

// Get returns the stats row, or zero values when it does not exist yet
func (s *StatsService) Get(ctx context.Context) (*models.Stats, error) {
	var stats models.Stats
	// last_upload is declared DATETIME but holds a dotted date; read it as text
	err := s.db.WithContext(ctx).
		Select("id, version, messages, uploads, profiles, CAST(last_upload AS TEXT) AS last_upload").
		Take(&stats, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Stats{ID: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}
	return &stats, nil
}

// Refresh recounts messages and profiles and records one more upload
func (s *StatsService) Refresh(ctx context.Context) (*models.Stats, error) {
	err := transact(ctx, s.db, func(tx *gorm.DB) error {
		row := models.Stats{ID: 1, Version: "0.2.0"}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Select("id", "version").Create(&row).Error; err != nil {
			return err
		}

		var profiles, messages int64
		if err := tx.Model(&models.Profile{}).Count(&profiles).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Message{}).Count(&messages).Error; err != nil {
			return err
		}

		return tx.Model(&models.Stats{}).Where("id = ?", 1).Updates(map[string]any{
			"messages":    messages,
			"profiles":    profiles,
			"uploads":     gorm.Expr("COALESCE(uploads, 0) + 1"),
			"last_upload": s.now().Format(lastUploadLayout),
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh stats: %w", err)
	}

	stats, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	s.log.Info("Stats refreshed",
		zap.Int64("messages", stats.Messages),
		zap.Int64("profiles", stats.Profiles),
		zap.Int64("uploads", stats.Uploads),
	)
	return stats, nil
}
