package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/desh0cc/psychopass/internal/database"
	"github.com/desh0cc/psychopass/internal/models"
	"github.com/desh0cc/psychopass/internal/result"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdentityService owns profiles, their platform accounts and the merge ledger
type IdentityService struct {
	db    *gorm.DB
	cache MediaCache
	log   *zap.Logger
}

// NewIdentityService creates a new identity service
func NewIdentityService(db *gorm.DB, cache MediaCache, log *zap.Logger) *IdentityService {
	return &IdentityService{db: db, cache: cache, log: log}
}

// ProfileDetail is a profile with its accounts and the chats it posted in
type ProfileDetail struct {
	models.Profile
	Chats []models.Chat `json:"chats"`
}

// ProfileUpdate holds the fields to change; nil fields are left untouched
type ProfileUpdate struct {
	GlobalName  *string `json:"global_name"`
	Avatar      *string `json:"avatar"`
	CanonicalID *string `json:"canonical_id"`
}

// MergeItem is the outcome for one secondary profile
type MergeItem struct {
	SecondaryID   uint   `json:"secondary_id"`
	Merged        bool   `json:"merged"`
	PlatformUsers int    `json:"platform_users"`
	Messages      int    `json:"messages"`
	Error         string `json:"error,omitempty"`
}

// MergeSummary reports a merge call
type MergeSummary struct {
	PrimaryID uint        `json:"primary_id"`
	Merged    int         `json:"merged"`
	Requested int         `json:"requested"`
	Items     []MergeItem `json:"items"`
	Message   string      `json:"message"`
}

// UnmergeItem is the outcome for one platform account
type UnmergeItem struct {
	PlatformUserID uint   `json:"platform_user_id"`
	Restored       bool   `json:"restored"`
	ProfileID      uint   `json:"profile_id,omitempty"`
	Message        string `json:"message"`
}

// UnmergeSummary reports an unmerge call
type UnmergeSummary struct {
	PrimaryID uint          `json:"primary_id"`
	Restored  int           `json:"restored"`
	Requested int           `json:"requested"`
	Items     []UnmergeItem `json:"items"`
	Message   string        `json:"message"`
}

// DeleteSummary reports a profile deletion
type DeleteSummary struct {
	ProfileID        uint  `json:"deleted_profile_id"`
	DeletedMessages  int64 `json:"deleted_messages"`
	DeletedPlatforms int64 `json:"deleted_platforms"`
	DeletedMedia     int64 `json:"deleted_media"`
}

// ResolveOrCreate returns the profile owning (platform, platformUserID),
// creating the profile and account when the key is new. It must run inside
// the caller's transaction.
func (s *IdentityService) ResolveOrCreate(tx *gorm.DB, platform, platformUserID, username string) (uint, error) {
	if id, ok, err := lookupPlatformUser(tx, platform, platformUserID); err != nil || ok {
		return id, err
	}

	canon := uuid.NewString()
	profile := models.Profile{CanonicalID: &canon, GlobalName: strPtr(username)}
	if err := tx.Create(&profile).Error; err != nil {
		return 0, fmt.Errorf("failed to create profile: %w", err)
	}

	account := models.PlatformUser{
		ProfileID:      profile.ID,
		Platform:       platform,
		PlatformUserID: platformUserID,
		Username:       strPtr(username),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to create platform user: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return profile.ID, nil
	}

	// Another writer bound the key first; drop our orphan profile and use theirs
	if err := tx.Delete(&models.Profile{}, profile.ID).Error; err != nil {
		return 0, fmt.Errorf("failed to drop orphan profile: %w", err)
	}
	id, ok, err := lookupPlatformUser(tx, platform, platformUserID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, result.Errorf(result.Integrity, "identity.resolve", "platform user %s/%s vanished after conflict", platform, platformUserID)
	}
	return id, nil
}

func lookupPlatformUser(tx *gorm.DB, platform, platformUserID string) (uint, bool, error) {
	var account models.PlatformUser
	err := tx.Where("platform = ? AND platform_user_id = ?", platform, platformUserID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up platform user: %w", err)
	}
	return account.ProfileID, true, nil
}

type accountKey struct {
	platform string
	id       string
}

// Resolver memoizes ResolveOrCreate for the lifetime of one ingest transaction
type Resolver struct {
	svc  *IdentityService
	tx   *gorm.DB
	seen map[accountKey]uint
}

// NewResolver binds a resolver to tx
func (s *IdentityService) NewResolver(tx *gorm.DB) *Resolver {
	return &Resolver{svc: s, tx: tx, seen: make(map[accountKey]uint)}
}

// Resolve returns the profile id for the account, creating it once per batch
func (r *Resolver) Resolve(platform, platformUserID, username string) (uint, error) {
	key := accountKey{platform, platformUserID}
	if id, ok := r.seen[key]; ok {
		return id, nil
	}
	id, err := r.svc.ResolveOrCreate(r.tx, platform, platformUserID, username)
	if err != nil {
		return 0, err
	}
	r.seen[key] = id
	return id, nil
}

// Merge folds each secondary profile into primaryID, recording a ledger row
// per secondary so the merge can be undone.
func (s *IdentityService) Merge(ctx context.Context, primaryID uint, secondaryIDs []uint) result.Result[MergeSummary] {
	const op = "identity.merge"
	if len(secondaryIDs) == 0 {
		return result.Fail[MergeSummary](result.Errorf(result.Invalid, op, "no secondary profiles provided"))
	}

	var summary MergeSummary
	err := transact(ctx, s.db, func(tx *gorm.DB) error {
		summary = MergeSummary{PrimaryID: primaryID, Requested: len(secondaryIDs)}

		var primary models.Profile
		if err := tx.Take(&primary, primaryID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return result.Errorf(result.NotFound, op, "primary profile %d not found", primaryID)
			}
			return fmt.Errorf("failed to load primary profile: %w", err)
		}

		name, avatar, canon := primary.GlobalName, primary.Avatar, primary.CanonicalID

		for _, secID := range secondaryIDs {
			item := MergeItem{SecondaryID: secID}

			if secID == primaryID {
				item.Error = "cannot merge a profile into itself"
				summary.Items = append(summary.Items, item)
				continue
			}

			var secondary models.Profile
			err := tx.Take(&secondary, secID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				item.Error = fmt.Sprintf("profile %d not found", secID)
				summary.Items = append(summary.Items, item)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load profile %d: %w", secID, err)
			}

			if isEmpty(name) && !isEmpty(secondary.GlobalName) {
				name = secondary.GlobalName
			}
			if isEmpty(avatar) && !isEmpty(secondary.Avatar) {
				avatar = secondary.Avatar
			}
			if isEmpty(canon) && !isEmpty(secondary.CanonicalID) {
				canon = secondary.CanonicalID
			}

			accountIDs := []uint{}
			if err := tx.Model(&models.PlatformUser{}).Where("profile_id = ?", secID).Order("id").Pluck("id", &accountIDs).Error; err != nil {
				return fmt.Errorf("failed to list platform users: %w", err)
			}
			messageIDs := []uint{}
			if err := tx.Model(&models.Message{}).Where("user_id = ?", secID).Order("id").Pluck("id", &messageIDs).Error; err != nil {
				return fmt.Errorf("failed to list messages: %w", err)
			}

			entry := models.MergeHistory{
				PrimaryID:   primaryID,
				SecondaryID: secID,
				PlatformIDs: accountIDs,
				MsgIDs:      messageIDs,
				OldName:     secondary.GlobalName,
				OldAvatar:   secondary.Avatar,
				OldCanon:    secondary.CanonicalID,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("failed to write merge history: %w", err)
			}

			if err := tx.Model(&models.PlatformUser{}).Where("profile_id = ?", secID).Update("profile_id", primaryID).Error; err != nil {
				return fmt.Errorf("failed to move platform users: %w", err)
			}
			if err := tx.Model(&models.Message{}).Where("user_id = ?", secID).Update("user_id", primaryID).Error; err != nil {
				return fmt.Errorf("failed to move messages: %w", err)
			}
			if err := tx.Delete(&models.Profile{}, secID).Error; err != nil {
				return fmt.Errorf("failed to delete profile %d: %w", secID, err)
			}

			item.Merged = true
			item.PlatformUsers = len(accountIDs)
			item.Messages = len(messageIDs)
			summary.Items = append(summary.Items, item)
			summary.Merged++
		}

		// The secondary rows are gone, so an adopted canonical id no longer collides
		return tx.Model(&models.Profile{}).Where("id = ?", primaryID).Updates(map[string]any{
			"global_name":  name,
			"avatar":       avatar,
			"canonical_id": canon,
		}).Error
	})
	if err != nil {
		return result.FromError[MergeSummary](op, err)
	}

	summary.Message = fmt.Sprintf("%d of %d profiles merged into %d", summary.Merged, summary.Requested, primaryID)
	s.log.Info("Profiles merged",
		zap.Uint("primary_id", primaryID),
		zap.Int("merged", summary.Merged),
		zap.Int("requested", summary.Requested),
	)
	return result.Ok(summary)
}

// Unmerge restores the secondary profiles that brought each platform account
// into primaryID, using the newest matching ledger row.
func (s *IdentityService) Unmerge(ctx context.Context, primaryID uint, platformUserIDs []uint) result.Result[UnmergeSummary] {
	const op = "identity.unmerge"
	if len(platformUserIDs) == 0 {
		return result.Fail[UnmergeSummary](result.Errorf(result.Invalid, op, "no platform accounts provided"))
	}

	var summary UnmergeSummary
	err := transact(ctx, s.db, func(tx *gorm.DB) error {
		summary = UnmergeSummary{PrimaryID: primaryID, Requested: len(platformUserIDs)}
		restoredBy := make(map[uint]uint)

		var count int64
		if err := tx.Model(&models.Profile{}).Where("id = ?", primaryID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to load primary profile: %w", err)
		}
		if count == 0 {
			return result.Errorf(result.NotFound, op, "primary profile %d not found", primaryID)
		}

		for _, accountID := range platformUserIDs {
			item, err := s.unmergeOne(tx, primaryID, accountID, restoredBy)
			if err != nil {
				return err
			}
			if item.Restored {
				summary.Restored++
			}
			summary.Items = append(summary.Items, item)
		}
		return nil
	})
	if err != nil {
		return result.FromError[UnmergeSummary](op, err)
	}

	summary.Message = fmt.Sprintf("%d of %d platform accounts restored", summary.Restored, summary.Requested)
	s.log.Info("Profiles unmerged",
		zap.Uint("primary_id", primaryID),
		zap.Int("restored", summary.Restored),
		zap.Int("requested", summary.Requested),
	)
	return result.Ok(summary)
}

// unmergeOne handles one account. Item-level problems are reported in the
// returned item; only store errors are returned as err.
func (s *IdentityService) unmergeOne(tx *gorm.DB, primaryID, accountID uint, restoredBy map[uint]uint) (UnmergeItem, error) {
	item := UnmergeItem{PlatformUserID: accountID}

	if profileID, ok := restoredBy[accountID]; ok {
		item.Restored = true
		item.ProfileID = profileID
		item.Message = fmt.Sprintf("Platform user %d already restored to profile %d", accountID, profileID)
		return item, nil
	}

	var account models.PlatformUser
	err := tx.Take(&account, accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		item.Message = fmt.Sprintf("No platform_user found with id %d", accountID)
		return item, nil
	}
	if err != nil {
		return item, fmt.Errorf("failed to load platform user %d: %w", accountID, err)
	}

	var history []models.MergeHistory
	if err := tx.Where("primary_id = ?", primaryID).Order("id DESC").Find(&history).Error; err != nil {
		return item, fmt.Errorf("failed to read merge history: %w", err)
	}
	var entry *models.MergeHistory
	for i := range history {
		if history[i].HasPlatformUser(accountID) {
			entry = &history[i]
			break
		}
	}
	if entry == nil {
		item.Message = fmt.Sprintf("No merge history found for platform_user %d", accountID)
		return item, nil
	}

	var existing int64
	if err := tx.Model(&models.Profile{}).Where("id = ?", entry.SecondaryID).Count(&existing).Error; err != nil {
		return item, fmt.Errorf("failed to check profile %d: %w", entry.SecondaryID, err)
	}
	if existing > 0 {
		item.Message = fmt.Sprintf("Profile %d already exists", entry.SecondaryID)
		return item, nil
	}

	// A back-filled primary may hold the canonical id being restored
	if !isEmpty(entry.OldCanon) {
		if err := tx.Model(&models.Profile{}).
			Where("canonical_id = ?", *entry.OldCanon).
			Update("canonical_id", uuid.NewString()).Error; err != nil {
			return item, fmt.Errorf("failed to release canonical id: %w", err)
		}
	}

	restored := models.Profile{
		ID:          entry.SecondaryID,
		GlobalName:  entry.OldName,
		Avatar:      entry.OldAvatar,
		CanonicalID: entry.OldCanon,
	}
	if err := tx.Create(&restored).Error; err != nil {
		return item, fmt.Errorf("failed to restore profile %d: %w", entry.SecondaryID, err)
	}

	if len(entry.PlatformIDs) > 0 {
		if err := tx.Model(&models.PlatformUser{}).
			Where("id IN ? AND profile_id = ?", []uint(entry.PlatformIDs), primaryID).
			Update("profile_id", entry.SecondaryID).Error; err != nil {
			return item, fmt.Errorf("failed to restore platform users: %w", err)
		}
	}
	if len(entry.MsgIDs) > 0 {
		if err := tx.Model(&models.Message{}).
			Where("id IN ? AND user_id = ?", []uint(entry.MsgIDs), primaryID).
			Update("user_id", entry.SecondaryID).Error; err != nil {
			return item, fmt.Errorf("failed to restore messages: %w", err)
		}
	}

	if err := tx.Where("primary_id = ? AND secondary_id = ?", primaryID, entry.SecondaryID).
		Delete(&models.MergeHistory{}).Error; err != nil {
		return item, fmt.Errorf("failed to consume merge history: %w", err)
	}

	for _, id := range entry.PlatformIDs {
		restoredBy[id] = entry.SecondaryID
	}
	item.Restored = true
	item.ProfileID = entry.SecondaryID
	item.Message = fmt.Sprintf("Restored profile %d from platform_user %d", entry.SecondaryID, accountID)
	return item, nil
}

// Delete removes a profile together with its messages, their media, its
// platform accounts and every ledger row that mentions it.
func (s *IdentityService) Delete(ctx context.Context, profileID uint) result.Result[DeleteSummary] {
	const op = "identity.delete"

	var summary DeleteSummary
	err := transact(ctx, s.db, func(tx *gorm.DB) error {
		summary = DeleteSummary{ProfileID: profileID}

		var count int64
		if err := tx.Model(&models.Profile{}).Where("id = ?", profileID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}
		if count == 0 {
			return result.Errorf(result.NotFound, op, "profile %d not found", profileID)
		}

		owned := "SELECT id FROM message WHERE user_id = ?"

		if err := tx.Exec("UPDATE message SET reply_to = NULL WHERE reply_to IN ("+owned+")", profileID).Error; err != nil {
			return fmt.Errorf("failed to detach replies: %w", err)
		}

		res := tx.Exec("DELETE FROM media WHERE message_id IN ("+owned+")", profileID)
		if res.Error != nil {
			return fmt.Errorf("failed to delete media: %w", res.Error)
		}
		summary.DeletedMedia = res.RowsAffected

		res = tx.Where("user_id = ?", profileID).Delete(&models.Message{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete messages: %w", res.Error)
		}
		summary.DeletedMessages = res.RowsAffected

		res = tx.Where("profile_id = ?", profileID).Delete(&models.PlatformUser{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete platform users: %w", res.Error)
		}
		summary.DeletedPlatforms = res.RowsAffected

		if err := tx.Where("primary_id = ? OR secondary_id = ?", profileID, profileID).Delete(&models.MergeHistory{}).Error; err != nil {
			return fmt.Errorf("failed to delete merge history: %w", err)
		}

		return tx.Delete(&models.Profile{}, profileID).Error
	})
	if err != nil {
		return result.FromError[DeleteSummary](op, err)
	}

	s.log.Info("Profile deleted",
		zap.Uint("profile_id", profileID),
		zap.Int64("messages", summary.DeletedMessages),
		zap.Int64("platform_users", summary.DeletedPlatforms),
	)
	return result.Ok(summary)
}

// Update changes profile fields. A new avatar is copied into the media cache first.
func (s *IdentityService) Update(ctx context.Context, profileID uint, upd ProfileUpdate) result.Result[ProfileDetail] {
	const op = "identity.update"

	fields := map[string]any{}
	if upd.GlobalName != nil {
		fields["global_name"] = *upd.GlobalName
	}
	if upd.CanonicalID != nil {
		fields["canonical_id"] = *upd.CanonicalID
	}
	if upd.Avatar != nil {
		path, ok := s.cache.Cache(ctx, *upd.Avatar)
		if !ok {
			return result.Fail[ProfileDetail](result.Errorf(result.ExternalIO, op, "failed to cache avatar %s", *upd.Avatar))
		}
		fields["avatar"] = path
	}
	if len(fields) == 0 {
		return result.Fail[ProfileDetail](result.Errorf(result.Invalid, op, "no fields to update"))
	}

	err := transact(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Model(&models.Profile{}).Where("id = ?", profileID).Updates(fields)
		if res.Error != nil {
			if database.IsUniqueViolation(res.Error) {
				return result.Errorf(result.Conflict, op, "canonical id already in use")
			}
			return fmt.Errorf("failed to update profile: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return result.Errorf(result.NotFound, op, "no profile found with id %d", profileID)
		}
		return nil
	})
	if err != nil {
		return result.FromError[ProfileDetail](op, err)
	}

	detail, err := s.Get(ctx, profileID)
	if err != nil {
		return result.FromError[ProfileDetail](op, err)
	}
	return result.Ok(*detail)
}

// Get returns one profile with its platform accounts and chats
func (s *IdentityService) Get(ctx context.Context, profileID uint) (*ProfileDetail, error) {
	db := s.db.WithContext(ctx)

	var profile models.Profile
	err := db.Preload("PlatformUsers").Take(&profile, profileID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, result.Errorf(result.NotFound, "identity.get", "profile %d not found", profileID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	chats := []models.Chat{}
	err = db.Distinct("chat.id", "chat.canon_id", "chat.name", "chat.avatar", "chat.type").
		Joins("JOIN message ON message.chat_id = chat.id").
		Where("message.user_id = ?", profileID).
		Order("chat.id").
		Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load chats: %w", err)
	}

	return &ProfileDetail{Profile: profile, Chats: chats}, nil
}

// List returns every profile with its platform accounts
func (s *IdentityService) List(ctx context.Context) ([]models.Profile, error) {
	var profiles []models.Profile
	if err := s.db.WithContext(ctx).Preload("PlatformUsers").Order("id").Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	return profiles, nil
}
