package services

import (
	"context"
	"testing"

	"github.com/desh0cc/psychopass/internal/models"
	"github.com/desh0cc/psychopass/internal/result"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEmotion(t *testing.T, f *fixture, id uint, emotion string) {
	t.Helper()
	require.NoError(t, f.db.Model(&models.Message{}).Where("id = ?", id).Update("emotion", emotion).Error)
}

func TestMessageQueriesHydrateAuthorsAndReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.seedAccount(t, "telegram", "a", "Alice")
	bob := f.seedAccount(t, "telegram", "b", "")
	first := f.seedMessages(t, alice, testChat, "good morning")
	second := f.seedMessages(t, bob, otherChat, "morning to you")
	require.NoError(t, f.db.Model(&models.Message{}).Where("id = ?", second[0]).Update("reply_to", first[0]).Error)

	msg, err := f.messages.Get(ctx, second[0])
	require.NoError(t, err)
	assert.Equal(t, "Unknown", msg.AuthorName)
	require.NotNil(t, msg.Reply)
	assert.Equal(t, "Alice", msg.Reply.AuthorName)
	assert.Equal(t, "good morning", msg.Reply.Text)

	found, err := f.messages.Search(ctx, "morning", 0)
	require.NoError(t, err)
	require.Len(t, found, 2)

	byIDs, err := f.messages.ByIDs(ctx, []uint{second[0], 999, first[0]})
	require.NoError(t, err)
	require.Len(t, byIDs, 2)
	assert.Equal(t, second[0], byIDs[0].ID)
	assert.Equal(t, first[0], byIDs[1].ID)

	page, err := f.messages.ByProfile(ctx, alice, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)

	_, err = f.messages.Get(ctx, 999)
	assert.Equal(t, result.NotFound, result.KindOf(err))
}

func TestEmotionStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.seedAccount(t, "telegram", "a", "Alice")
	bob := f.seedAccount(t, "telegram", "b", "Bob")
	ids := f.seedMessages(t, alice, testChat, "one", "two", "three", "four")
	bobIDs := f.seedMessages(t, bob, otherChat, "five")
	setEmotion(t, f, ids[0], "joy")
	setEmotion(t, f, ids[1], "joy")
	setEmotion(t, f, ids[2], "anger")
	setEmotion(t, f, bobIDs[0], "fear")

	stats, err := f.messages.EmotionStats(ctx, &alice)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalMessages)
	require.Len(t, stats.Emotions, 2)
	assert.Equal(t, "joy", stats.Emotions[0].Name)
	assert.Equal(t, 66.67, stats.Emotions[0].Percent)
	assert.Equal(t, 33.33, stats.Emotions[1].Percent)

	all, err := f.messages.EmotionStats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.TotalMessages)

	byYear, err := f.messages.EmotionStatsByYear(ctx, &alice)
	require.NoError(t, err)
	assert.Equal(t, int64(3), byYear.AllYears.TotalMessages)
	require.Contains(t, byYear.ByYear, "2024")
	assert.Equal(t, int64(3), byYear.ByYear["2024"].TotalMessages)

	joy, err := f.messages.ByEmotion(ctx, alice, "joy")
	require.NoError(t, err)
	assert.Len(t, joy, 2)
}

func TestStatsRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.stats.Get(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Messages)
	assert.Nil(t, empty.LastUpload)

	alice := f.seedAccount(t, "telegram", "a", "Alice")
	f.seedMessages(t, alice, testChat, "one", "two")

	stats, err := f.stats.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Messages)
	assert.Equal(t, int64(1), stats.Profiles)
	assert.Equal(t, int64(1), stats.Uploads)
	assert.Equal(t, "0.2.0", stats.Version)
	require.NotNil(t, stats.LastUpload)
	assert.Regexp(t, `^\d{4}\.\d{2}\.\d{2}$`, *stats.LastUpload)

	stats, err = f.stats.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Uploads)
}
