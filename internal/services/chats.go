package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/desh0cc/psychopass/internal/models"
	"github.com/desh0cc/psychopass/internal/parser"
	"github.com/desh0cc/psychopass/internal/result"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatService manages chats
type ChatService struct {
	db    *gorm.DB
	cache MediaCache
	log   *zap.Logger
}

// NewChatService creates a new chat service
func NewChatService(db *gorm.DB, cache MediaCache, log *zap.Logger) *ChatService {
	return &ChatService{db: db, cache: cache, log: log}
}

// ChatDetail is a chat with the profiles that posted in it
type ChatDetail struct {
	models.Chat
	Participants []models.Profile `json:"participants"`
}

// ChatUpdate holds the fields to change; nil fields are left untouched
type ChatUpdate struct {
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
	Type   *string `json:"type"`
}

// ChatDeleteSummary reports a chat deletion
type ChatDeleteSummary struct {
	ChatID          uint  `json:"deleted_chat_id"`
	DeletedMessages int64 `json:"deleted_messages"`
	DeletedMedia    int64 `json:"deleted_media"`
}

// CanonID derives the stable chat key from origin id, name and type
func CanonID(chat parser.Chat) string {
	key := fmt.Sprintf("%s:%s:%s", chat.OriginID, chat.Name, chat.Type)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// GetOrCreate returns the row id for chat, inserting it when new. It must
// run inside the caller's transaction.
func (s *ChatService) GetOrCreate(tx *gorm.DB, chat parser.Chat) (uint, error) {
	row := models.Chat{
		CanonID: CanonID(chat),
		Name:    strPtr(chat.Name),
		Avatar:  strPtr(chat.Avatar),
		Type:    strPtr(chat.Type),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to create chat: %w", err)
	}

	var existing models.Chat
	if err := tx.Select("id").Where("canon_id = ?", row.CanonID).Take(&existing).Error; err != nil {
		return 0, fmt.Errorf("failed to load chat %s: %w", row.CanonID, err)
	}
	return existing.ID, nil
}

// Get returns one chat with its participants
func (s *ChatService) Get(ctx context.Context, chatID uint) (*ChatDetail, error) {
	db := s.db.WithContext(ctx)

	var chat models.Chat
	err := db.Take(&chat, chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, result.Errorf(result.NotFound, "chat.get", "chat %d not found", chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat: %w", err)
	}

	participants, err := s.participants(db, []uint{chatID})
	if err != nil {
		return nil, err
	}
	detail := &ChatDetail{Chat: chat, Participants: participants[chatID]}
	if detail.Participants == nil {
		detail.Participants = []models.Profile{}
	}
	return detail, nil
}

// List returns every chat with its participants
func (s *ChatService) List(ctx context.Context) ([]ChatDetail, error) {
	db := s.db.WithContext(ctx)

	var chats []models.Chat
	if err := db.Order("id").Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	ids := make([]uint, len(chats))
	for i, c := range chats {
		ids[i] = c.ID
	}
	participants, err := s.participants(db, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ChatDetail, len(chats))
	for i, c := range chats {
		out[i] = ChatDetail{Chat: c, Participants: participants[c.ID]}
		if out[i].Participants == nil {
			out[i].Participants = []models.Profile{}
		}
	}
	return out, nil
}

// participants maps chat id to the distinct profiles with messages in it
func (s *ChatService) participants(db *gorm.DB, chatIDs []uint) (map[uint][]models.Profile, error) {
	out := make(map[uint][]models.Profile)
	if len(chatIDs) == 0 {
		return out, nil
	}

	type pair struct {
		ChatID uint
		UserID uint
	}
	var pairs []pair
	err := db.Model(&models.Message{}).
		Distinct("chat_id", "user_id").
		Where("chat_id IN ?", chatIDs).
		Order("chat_id, user_id").
		Scan(&pairs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	if len(pairs) == 0 {
		return out, nil
	}

	profileIDs := make([]uint, 0, len(pairs))
	for _, p := range pairs {
		profileIDs = append(profileIDs, p.UserID)
	}
	var profiles []models.Profile
	if err := db.Preload("PlatformUsers").Where("id IN ?", profileIDs).Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to load participant profiles: %w", err)
	}
	byID := make(map[uint]models.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	for _, p := range pairs {
		if profile, ok := byID[p.UserID]; ok {
			out[p.ChatID] = append(out[p.ChatID], profile)
		}
	}
	return out, nil
}

// Update changes chat fields. A new avatar is copied into the media cache first.
func (s *ChatService) Update(ctx context.Context, chatID uint, upd ChatUpdate) result.Result[ChatDetail] {
	const op = "chat.update"

	fields := map[string]any{}
	if upd.Name != nil {
		fields["name"] = *upd.Name
	}
	if upd.Type != nil {
		fields["type"] = *upd.Type
	}
	if upd.Avatar != nil {
		path, ok := s.cache.Cache(ctx, *upd.Avatar)
		if !ok {
			return result.Fail[ChatDetail](result.Errorf(result.ExternalIO, op, "failed to cache avatar %s", *upd.Avatar))
		}
		fields["avatar"] = path
	}
	if len(fields) == 0 {
		return result.Fail[ChatDetail](result.Errorf(result.Invalid, op, "no fields to update"))
	}

	err := transact(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Model(&models.Chat{}).Where("id = ?", chatID).Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("failed to update chat: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return result.Errorf(result.NotFound, op, "chat %d not found", chatID)
		}
		return nil
	})
	if err != nil {
		return result.FromError[ChatDetail](op, err)
	}

	detail, err := s.Get(ctx, chatID)
	if err != nil {
		return result.FromError[ChatDetail](op, err)
	}
	return result.Ok(*detail)
}

// Delete removes a chat with its messages and their media
func (s *ChatService) Delete(ctx context.Context, chatID uint) result.Result[ChatDeleteSummary] {
	const op = "chat.delete"

	var summary ChatDeleteSummary
	err := transact(ctx, s.db, func(tx *gorm.DB) error {
		summary = ChatDeleteSummary{ChatID: chatID}

		var count int64
		if err := tx.Model(&models.Chat{}).Where("id = ?", chatID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to load chat: %w", err)
		}
		if count == 0 {
			return result.Errorf(result.NotFound, op, "chat %d not found", chatID)
		}

		owned := "SELECT id FROM message WHERE chat_id = ?"

		if err := tx.Exec("UPDATE message SET reply_to = NULL WHERE reply_to IN ("+owned+")", chatID).Error; err != nil {
			return fmt.Errorf("failed to detach replies: %w", err)
		}

		res := tx.Exec("DELETE FROM media WHERE message_id IN ("+owned+")", chatID)
		if res.Error != nil {
			return fmt.Errorf("failed to delete media: %w", res.Error)
		}
		summary.DeletedMedia = res.RowsAffected

		res = tx.Where("chat_id = ?", chatID).Delete(&models.Message{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete messages: %w", res.Error)
		}
		summary.DeletedMessages = res.RowsAffected

		return tx.Delete(&models.Chat{}, chatID).Error
	})
	if err != nil {
		return result.FromError[ChatDeleteSummary](op, err)
	}

	s.log.Info("Chat deleted", zap.Uint("chat_id", chatID), zap.Int64("messages", summary.DeletedMessages))
	return result.Ok(summary)
}
