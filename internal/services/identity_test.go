package services

import (
	"context"
	"testing"

	"github.com/desh0cc/psychopass/internal/models"
	"github.com/desh0cc/psychopass/internal/result"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestResolveOrCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first := f.seedAccount(t, "telegram", "user1", "Alice")
	second := f.seedAccount(t, "telegram", "user1", "Alice renamed")
	other := f.seedAccount(t, "discord", "user1", "Alice")

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)

	var profiles int64
	require.NoError(t, f.db.Model(&models.Profile{}).Count(&profiles).Error)
	assert.Equal(t, int64(2), profiles)

	var profile models.Profile
	require.NoError(t, f.db.Take(&profile, first).Error)
	require.NotNil(t, profile.GlobalName)
	assert.Equal(t, "Alice", *profile.GlobalName)
	require.NotNil(t, profile.CanonicalID)
	assert.Len(t, *profile.CanonicalID, 36)
}

func TestResolverMemoizesWithinTransaction(t *testing.T) {
	f := newFixture(t)

	err := f.db.Transaction(func(tx *gorm.DB) error {
		r := f.identity.NewResolver(tx)
		a, err := r.Resolve("discord", "42", "bob")
		require.NoError(t, err)

		// Deleting the row behind the memo proves the second call is served from it
		require.NoError(t, tx.Where("platform_user_id = ?", "42").Delete(&models.PlatformUser{}).Error)

		b, err := r.Resolve("discord", "42", "bob")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		return nil
	})
	require.NoError(t, err)
}

func TestMergeThenUnmergeRestoresOriginalState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	primary := f.seedAccount(t, "telegram", "p1", "Primary")
	secondary := f.seedAccount(t, "discord", "s1", "Secondary")
	require.NoError(t, f.db.Model(&models.Profile{}).Where("id = ?", secondary).Update("avatar", "cached/s.png").Error)

	primaryMsgs := f.seedMessages(t, primary, testChat, "p-one")
	secondaryMsgs := f.seedMessages(t, secondary, testChat, "s-one", "s-two")

	var before models.Profile
	require.NoError(t, f.db.Take(&before, secondary).Error)
	var account models.PlatformUser
	require.NoError(t, f.db.Where("profile_id = ?", secondary).Take(&account).Error)

	merged := f.identity.Merge(ctx, primary, []uint{secondary})
	require.True(t, merged.IsOk(), "merge failed: %v", merged.Err)
	assert.Equal(t, 1, merged.Value.Merged)
	assert.Equal(t, 2, merged.Value.Items[0].Messages)

	var count int64
	require.NoError(t, f.db.Model(&models.Profile{}).Where("id = ?", secondary).Count(&count).Error)
	assert.Zero(t, count)

	owners := messageOwners(t, f.db, append(primaryMsgs, secondaryMsgs...))
	for _, id := range secondaryMsgs {
		assert.Equal(t, primary, owners[id])
	}

	var ledger models.MergeHistory
	require.NoError(t, f.db.Where("primary_id = ? AND secondary_id = ?", primary, secondary).Take(&ledger).Error)
	assert.Equal(t, []uint{account.ID}, []uint(ledger.PlatformIDs))
	assert.Equal(t, secondaryMsgs, []uint(ledger.MsgIDs))

	unmerged := f.identity.Unmerge(ctx, primary, []uint{account.ID})
	require.True(t, unmerged.IsOk(), "unmerge failed: %v", unmerged.Err)
	assert.Equal(t, 1, unmerged.Value.Restored)
	assert.Equal(t, "1 of 1 platform accounts restored", unmerged.Value.Message)

	var after models.Profile
	require.NoError(t, f.db.Take(&after, secondary).Error)
	assert.Equal(t, before.GlobalName, after.GlobalName)
	assert.Equal(t, before.Avatar, after.Avatar)
	assert.Equal(t, before.CanonicalID, after.CanonicalID)

	owners = messageOwners(t, f.db, append(primaryMsgs, secondaryMsgs...))
	assert.Equal(t, primary, owners[primaryMsgs[0]])
	for _, id := range secondaryMsgs {
		assert.Equal(t, secondary, owners[id])
	}

	var restoredAccount models.PlatformUser
	require.NoError(t, f.db.Take(&restoredAccount, account.ID).Error)
	assert.Equal(t, secondary, restoredAccount.ProfileID)

	require.NoError(t, f.db.Model(&models.MergeHistory{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestUnmergeRestoresEveryAccountOfSecondary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	primary := f.seedAccount(t, "telegram", "p1", "Primary")
	secondary := f.seedAccount(t, "telegram", "s1", "Secondary")
	extra := models.PlatformUser{ProfileID: secondary, Platform: "discord", PlatformUserID: "s2"}
	require.NoError(t, f.db.Create(&extra).Error)

	var accounts []models.PlatformUser
	require.NoError(t, f.db.Where("profile_id = ?", secondary).Order("id").Find(&accounts).Error)
	require.Len(t, accounts, 2)

	primaryMsgs := f.seedMessages(t, primary, testChat, "p-one")
	secondaryMsgs := f.seedMessages(t, secondary, otherChat, "s-one", "s-two")

	merged := f.identity.Merge(ctx, primary, []uint{secondary})
	require.True(t, merged.IsOk(), "merge failed: %v", merged.Err)
	assert.Equal(t, 2, merged.Value.Items[0].PlatformUsers)

	var count int64
	require.NoError(t, f.db.Model(&models.MergeHistory{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	unmerged := f.identity.Unmerge(ctx, primary, []uint{accounts[0].ID, accounts[1].ID})
	require.True(t, unmerged.IsOk(), "unmerge failed: %v", unmerged.Err)
	assert.Equal(t, 2, unmerged.Value.Restored)
	assert.Equal(t, "2 of 2 platform accounts restored", unmerged.Value.Message)
	require.Len(t, unmerged.Value.Items, 2)
	for _, item := range unmerged.Value.Items {
		assert.True(t, item.Restored)
		assert.Equal(t, secondary, item.ProfileID)
	}

	for _, a := range accounts {
		var got models.PlatformUser
		require.NoError(t, f.db.Take(&got, a.ID).Error)
		assert.Equal(t, secondary, got.ProfileID)
	}

	owners := messageOwners(t, f.db, append(primaryMsgs, secondaryMsgs...))
	assert.Equal(t, primary, owners[primaryMsgs[0]])
	for _, id := range secondaryMsgs {
		assert.Equal(t, secondary, owners[id])
	}

	require.NoError(t, f.db.Model(&models.MergeHistory{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, f.db.Model(&models.Profile{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestMergeBackfillsEmptyPrimaryFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	primary := f.seedAccount(t, "telegram", "p1", "")
	secondary := f.seedAccount(t, "discord", "s1", "Named")
	require.NoError(t, f.db.Model(&models.Profile{}).Where("id = ?", primary).Update("canonical_id", nil).Error)

	var sec models.Profile
	require.NoError(t, f.db.Take(&sec, secondary).Error)

	res := f.identity.Merge(ctx, primary, []uint{secondary})
	require.True(t, res.IsOk())

	var merged models.Profile
	require.NoError(t, f.db.Take(&merged, primary).Error)
	require.NotNil(t, merged.GlobalName)
	assert.Equal(t, "Named", *merged.GlobalName)
	assert.Equal(t, sec.CanonicalID, merged.CanonicalID)

	var account models.PlatformUser
	require.NoError(t, f.db.Where("platform = ? AND platform_user_id = ?", "discord", "s1").Take(&account).Error)

	// The restored secondary takes its canonical id back; the primary gets a fresh one
	undo := f.identity.Unmerge(ctx, primary, []uint{account.ID})
	require.True(t, undo.IsOk())
	assert.Equal(t, 1, undo.Value.Restored)

	var restored, primaryAfter models.Profile
	require.NoError(t, f.db.Take(&restored, secondary).Error)
	require.NoError(t, f.db.Take(&primaryAfter, primary).Error)
	assert.Equal(t, sec.CanonicalID, restored.CanonicalID)
	require.NotNil(t, primaryAfter.CanonicalID)
	assert.NotEqual(t, *sec.CanonicalID, *primaryAfter.CanonicalID)
}

func TestMergeReportsPerItemErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	primary := f.seedAccount(t, "telegram", "p1", "Primary")
	secondary := f.seedAccount(t, "telegram", "s1", "Secondary")

	res := f.identity.Merge(ctx, primary, []uint{primary, 999, secondary})
	require.True(t, res.IsOk())
	assert.Equal(t, 1, res.Value.Merged)
	assert.Equal(t, 3, res.Value.Requested)
	require.Len(t, res.Value.Items, 3)
	assert.NotEmpty(t, res.Value.Items[0].Error)
	assert.NotEmpty(t, res.Value.Items[1].Error)
	assert.True(t, res.Value.Items[2].Merged)

	missing := f.identity.Merge(ctx, 12345, []uint{primary})
	require.False(t, missing.IsOk())
	assert.Equal(t, result.NotFound, missing.Err.Kind)

	empty := f.identity.Merge(ctx, primary, nil)
	require.False(t, empty.IsOk())
	assert.Equal(t, result.Invalid, empty.Err.Kind)
}

func TestUnmergeWithoutHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	primary := f.seedAccount(t, "telegram", "p1", "Primary")
	var account models.PlatformUser
	require.NoError(t, f.db.Where("profile_id = ?", primary).Take(&account).Error)

	res := f.identity.Unmerge(ctx, primary, []uint{account.ID, 777})
	require.True(t, res.IsOk())
	assert.Equal(t, 0, res.Value.Restored)
	assert.Equal(t, "0 of 2 platform accounts restored", res.Value.Message)
	assert.Contains(t, res.Value.Items[0].Message, "No merge history")
	assert.Contains(t, res.Value.Items[1].Message, "No platform_user")
}

func TestDeleteProfileCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	victim := f.seedAccount(t, "telegram", "v1", "Victim")
	other := f.seedAccount(t, "telegram", "o1", "Other")
	victimMsgs := f.seedMessages(t, victim, testChat, "hello")
	otherMsgs := f.seedMessages(t, other, otherChat, "reply")

	require.NoError(t, f.db.Model(&models.Message{}).Where("id = ?", otherMsgs[0]).Update("reply_to", victimMsgs[0]).Error)
	require.NoError(t, f.db.Create(&models.Media{MessageID: victimMsgs[0], Type: "photo", Path: "cached/a.jpg"}).Error)

	res := f.identity.Delete(ctx, victim)
	require.True(t, res.IsOk(), "delete failed: %v", res.Err)
	assert.Equal(t, int64(1), res.Value.DeletedMessages)
	assert.Equal(t, int64(1), res.Value.DeletedMedia)
	assert.Equal(t, int64(1), res.Value.DeletedPlatforms)

	var reply models.Message
	require.NoError(t, f.db.Take(&reply, otherMsgs[0]).Error)
	assert.Nil(t, reply.ReplyTo)

	again := f.identity.Delete(ctx, victim)
	require.False(t, again.IsOk())
	assert.Equal(t, result.NotFound, again.Err.Kind)
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.seedAccount(t, "telegram", "a", "A")
	b := f.seedAccount(t, "telegram", "b", "B")

	name := "Renamed"
	avatar := "https://example.com/a.png"
	res := f.identity.Update(ctx, a, ProfileUpdate{GlobalName: &name, Avatar: &avatar})
	require.True(t, res.IsOk(), "update failed: %v", res.Err)
	assert.Equal(t, "Renamed", *res.Value.GlobalName)
	assert.Equal(t, "cached/https://example.com/a.png", *res.Value.Avatar)

	var bProfile models.Profile
	require.NoError(t, f.db.Take(&bProfile, b).Error)
	conflict := f.identity.Update(ctx, a, ProfileUpdate{CanonicalID: bProfile.CanonicalID})
	require.False(t, conflict.IsOk())
	assert.Equal(t, result.Conflict, conflict.Err.Kind)

	broken := "https://broken.example.com/x.png"
	failed := f.identity.Update(ctx, a, ProfileUpdate{Avatar: &broken})
	require.False(t, failed.IsOk())
	assert.Equal(t, result.ExternalIO, failed.Err.Kind)

	missing := f.identity.Update(ctx, 999, ProfileUpdate{GlobalName: &name})
	require.False(t, missing.IsOk())
	assert.Equal(t, result.NotFound, missing.Err.Kind)
}

func TestGetProfileListsChats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.seedAccount(t, "telegram", "a", "A")
	f.seedMessages(t, id, testChat, "one", "two")

	detail, err := f.identity.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, detail.PlatformUsers, 1)
	require.Len(t, detail.Chats, 1)
	assert.Equal(t, CanonID(testChat), detail.Chats[0].CanonID)

	_, err = f.identity.Get(ctx, 999)
	assert.Equal(t, result.NotFound, result.KindOf(err))
}
