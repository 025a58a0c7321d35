package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/desh0cc/psychopass/internal/config"
	"github.com/desh0cc/psychopass/internal/models"
	"github.com/desh0cc/psychopass/internal/parser"
	"github.com/desh0cc/psychopass/internal/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// fakeCache maps every locator to "cached/<locator>"; locators containing
// "broken" fail.
type fakeCache struct {
	mu    sync.Mutex
	calls []string
}

func (c *fakeCache) Cache(_ context.Context, locator string) (string, bool) {
	c.mu.Lock()
	c.calls = append(c.calls, locator)
	c.mu.Unlock()
	if strings.Contains(locator, "broken") {
		return "", false
	}
	return "cached/" + locator, true
}

func (c *fakeCache) CacheBatch(ctx context.Context, locators []string) []string {
	out := make([]string, len(locators))
	for i, l := range locators {
		out[i], _ = c.Cache(ctx, l)
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	cache    *fakeCache
	identity *IdentityService
	chats    *ChatService
	messages *MessageService
	stats    *StatsService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenTestDB(t)
	log := zaptest.NewLogger(t)
	cache := &fakeCache{}
	return &fixture{
		db:       db,
		cache:    cache,
		identity: NewIdentityService(db, cache, log),
		chats:    NewChatService(db, cache, log),
		messages: NewMessageService(db, log),
		stats:    NewStatsService(db, log),
	}
}

func (f *fixture) ingest(t *testing.T, deps IngestDeps) *IngestService {
	t.Helper()
	return f.ingestWith(t, deps, config.EnrichmentConfig{BatchSize: 2, Workers: 2})
}

func (f *fixture) ingestWith(t *testing.T, deps IngestDeps, cfg config.EnrichmentConfig) *IngestService {
	t.Helper()
	deps.Identity = f.identity
	deps.Chats = f.chats
	deps.Stats = f.stats
	deps.Cache = f.cache
	return NewIngestService(f.db, deps, cfg, zaptest.NewLogger(t))
}

// seedAccount creates a profile bound to one platform account and returns the profile id
func (f *fixture) seedAccount(t *testing.T, platform, platformUserID, name string) uint {
	t.Helper()
	var id uint
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = f.identity.ResolveOrCreate(tx, platform, platformUserID, name)
		return err
	})
	require.NoError(t, err)
	return id
}

// seedMessages stores texts in one chat authored by profileID and returns their ids
func (f *fixture) seedMessages(t *testing.T, profileID uint, chat parser.Chat, texts ...string) []uint {
	t.Helper()
	var ids []uint
	err := f.db.Transaction(func(tx *gorm.DB) error {
		chatID, err := f.chats.GetOrCreate(tx, chat)
		if err != nil {
			return err
		}
		for i, text := range texts {
			msg := models.Message{
				UserID:    profileID,
				ChatID:    chatID,
				Text:      text,
				Timestamp: fmt.Sprintf("2024-01-%02dT10:00:00", i+1),
			}
			if err := tx.Create(&msg).Error; err != nil {
				return err
			}
			ids = append(ids, msg.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func messageOwners(t *testing.T, db *gorm.DB, ids []uint) map[uint]uint {
	t.Helper()
	var msgs []models.Message
	require.NoError(t, db.Where("id IN ?", ids).Find(&msgs).Error)
	out := make(map[uint]uint, len(msgs))
	for _, m := range msgs {
		out[m.ID] = m.UserID
	}
	return out
}

var (
	testChat  = parser.Chat{OriginID: "100", Name: "friends", Type: "group"}
	otherChat = parser.Chat{OriginID: "200", Name: "work", Type: "channel"}
)
