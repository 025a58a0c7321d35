package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/desh0cc/psychopass/internal/models"
	"github.com/desh0cc/psychopass/internal/result"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageService answers read queries over messages
type MessageService struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewMessageService creates a new message service
func NewMessageService(db *gorm.DB, log *zap.Logger) *MessageService {
	return &MessageService{db: db, log: log}
}

// MessageView is a message with its author and, when present, the message it replies to
type MessageView struct {
	models.Message
	AuthorName string       `json:"author_name"`
	Avatar     *string      `json:"avatar"`
	Reply      *MessageView `json:"reply,omitempty"`
}

// EmotionShare is one emotion's share of a message set
type EmotionShare struct {
	Name    string  `json:"name"`
	Percent float64 `json:"percent"`
	Count   int64   `json:"count"`
}

// EmotionStats is the emotion distribution over labelled messages
type EmotionStats struct {
	Emotions      []EmotionShare `json:"emotions"`
	TotalMessages int64          `json:"total_messages"`
	Year          string         `json:"year,omitempty"`
}

// EmotionStatsByYear splits EmotionStats per calendar year
type EmotionStatsByYear struct {
	AllYears EmotionStats            `json:"all_years"`
	ByYear   map[string]EmotionStats `json:"by_year"`
}

// Get returns one message
func (s *MessageService) Get(ctx context.Context, messageID uint) (*MessageView, error) {
	db := s.db.WithContext(ctx)

	var msg models.Message
	err := db.Preload("Media").Take(&msg, messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, result.Errorf(result.NotFound, "message.get", "message %d not found", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	views, err := s.hydrate(db, []models.Message{msg})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// ByChat returns a chat's messages in timestamp order
func (s *MessageService) ByChat(ctx context.Context, chatID uint) ([]MessageView, error) {
	db := s.db.WithContext(ctx)

	var msgs []models.Message
	if err := db.Preload("Media").Where("chat_id = ?", chatID).Order("timestamp ASC, id ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to load chat messages: %w", err)
	}
	return s.hydrate(db, msgs)
}

// ByProfile returns a page of a profile's messages in timestamp order
func (s *MessageService) ByProfile(ctx context.Context, profileID uint, limit, offset int) ([]MessageView, error) {
	db := s.db.WithContext(ctx)

	q := db.Preload("Media").Where("user_id = ?", profileID).Order("timestamp ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to load profile messages: %w", err)
	}
	return s.hydrate(db, msgs)
}

// ByEmotion returns a profile's messages carrying the given label
func (s *MessageService) ByEmotion(ctx context.Context, profileID uint, emotion string) ([]MessageView, error) {
	db := s.db.WithContext(ctx)

	var msgs []models.Message
	err := db.Preload("Media").
		Where("user_id = ? AND emotion = ?", profileID, emotion).
		Order("timestamp ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages by emotion: %w", err)
	}
	return s.hydrate(db, msgs)
}

// Search returns messages whose text contains query, newest first
func (s *MessageService) Search(ctx context.Context, query string, limit int) ([]MessageView, error) {
	if limit <= 0 {
		limit = 10
	}
	db := s.db.WithContext(ctx)

	var msgs []models.Message
	err := db.Preload("Media").
		Where("text LIKE ?", "%"+query+"%").
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return s.hydrate(db, msgs)
}

// ByIDs returns the given messages in the order of ids, skipping missing ones
func (s *MessageService) ByIDs(ctx context.Context, ids []uint) ([]MessageView, error) {
	if len(ids) == 0 {
		return []MessageView{}, nil
	}
	db := s.db.WithContext(ctx)

	var msgs []models.Message
	if err := db.Preload("Media").Where("id IN ?", ids).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	byID := make(map[uint]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	ordered := make([]models.Message, 0, len(msgs))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
		}
	}
	return s.hydrate(db, ordered)
}

// hydrate attaches author fields and reply targets
func (s *MessageService) hydrate(db *gorm.DB, msgs []models.Message) ([]MessageView, error) {
	views := make([]MessageView, len(msgs))
	if len(msgs) == 0 {
		return views, nil
	}

	loaded := make(map[uint]models.Message, len(msgs))
	for _, m := range msgs {
		loaded[m.ID] = m
	}
	var missing []uint
	for _, m := range msgs {
		if m.ReplyTo != nil {
			if _, ok := loaded[*m.ReplyTo]; !ok {
				missing = append(missing, *m.ReplyTo)
			}
		}
	}
	if len(missing) > 0 {
		var parents []models.Message
		if err := db.Preload("Media").Where("id IN ?", missing).Find(&parents).Error; err != nil {
			return nil, fmt.Errorf("failed to load reply targets: %w", err)
		}
		for _, p := range parents {
			loaded[p.ID] = p
		}
	}

	userIDs := make([]uint, 0, len(loaded))
	seen := make(map[uint]bool)
	for _, m := range loaded {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			userIDs = append(userIDs, m.UserID)
		}
	}
	var profiles []models.Profile
	if err := db.Where("id IN ?", userIDs).Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to load authors: %w", err)
	}
	authors := make(map[uint]models.Profile, len(profiles))
	for _, p := range profiles {
		authors[p.ID] = p
	}

	view := func(m models.Message) MessageView {
		v := MessageView{Message: m, AuthorName: "Unknown"}
		if p, ok := authors[m.UserID]; ok {
			if !isEmpty(p.GlobalName) {
				v.AuthorName = *p.GlobalName
			}
			v.Avatar = p.Avatar
		}
		return v
	}

	for i, m := range msgs {
		views[i] = view(m)
		if m.ReplyTo != nil {
			if parent, ok := loaded[*m.ReplyTo]; ok {
				pv := view(parent)
				views[i].Reply = &pv
			}
		}
	}
	return views, nil
}

type emotionCount struct {
	Year    string
	Emotion string
	Count   int64
}

// EmotionStats returns the label distribution, optionally for one profile
func (s *MessageService) EmotionStats(ctx context.Context, profileID *uint) (*EmotionStats, error) {
	q := s.db.WithContext(ctx).Model(&models.Message{}).
		Select("emotion, COUNT(*) AS count").
		Where("emotion IS NOT NULL AND emotion != ''")
	if profileID != nil {
		q = q.Where("user_id = ?", *profileID)
	}

	var rows []emotionCount
	if err := q.Group("emotion").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to compute emotion stats: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Emotion] += r.Count
	}
	stats := buildEmotionStats(counts)
	return &stats, nil
}

// EmotionStatsByYear returns the label distribution overall and per year
func (s *MessageService) EmotionStatsByYear(ctx context.Context, profileID *uint) (*EmotionStatsByYear, error) {
	q := s.db.WithContext(ctx).Model(&models.Message{}).
		Select("COALESCE(strftime('%Y', timestamp), 'unknown') AS year, emotion, COUNT(*) AS count").
		Where("emotion IS NOT NULL AND emotion != ''")
	if profileID != nil {
		q = q.Where("user_id = ?", *profileID)
	}

	var rows []emotionCount
	if err := q.Group("year, emotion").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to compute yearly emotion stats: %w", err)
	}

	all := make(map[string]int64)
	years := make(map[string]map[string]int64)
	for _, r := range rows {
		all[r.Emotion] += r.Count
		if years[r.Year] == nil {
			years[r.Year] = make(map[string]int64)
		}
		years[r.Year][r.Emotion] += r.Count
	}

	out := &EmotionStatsByYear{
		AllYears: buildEmotionStats(all),
		ByYear:   make(map[string]EmotionStats, len(years)),
	}
	out.AllYears.Year = "all"
	for year, counts := range years {
		stats := buildEmotionStats(counts)
		stats.Year = year
		out.ByYear[year] = stats
	}
	return out, nil
}

// buildEmotionStats orders emotions by count and rounds shares to 2 decimals
func buildEmotionStats(counts map[string]int64) EmotionStats {
	var total int64
	for _, c := range counts {
		total += c
	}
	stats := EmotionStats{Emotions: []EmotionShare{}, TotalMessages: total}
	if total == 0 {
		return stats
	}

	for name, c := range counts {
		stats.Emotions = append(stats.Emotions, EmotionShare{
			Name:    name,
			Count:   c,
			Percent: math.Round(float64(c)/float64(total)*10000) / 100,
		})
	}
	sort.Slice(stats.Emotions, func(i, j int) bool {
		if stats.Emotions[i].Count != stats.Emotions[j].Count {
			return stats.Emotions[i].Count > stats.Emotions[j].Count
		}
		return stats.Emotions[i].Name < stats.Emotions[j].Name
	})
	return stats
}
