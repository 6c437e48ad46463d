package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotificationEnvelopeValidate(t *testing.T) {
	valid := NotificationEnvelope{
		EventID:    "evt-1",
		EventType:  NotifyNewMessage,
		Recipients: []Recipient{{UserID: "user-1"}},
	}
	assert.NoError(t, valid.Validate())

	missingID := valid
	missingID.EventID = ""
	assert.Error(t, missingID.Validate())

	missingType := valid
	missingType.EventType = ""
	assert.Error(t, missingType.Validate())

	noRecipients := valid
	noRecipients.Recipients = nil
	assert.Error(t, noRecipients.Validate())

	blankRecipient := valid
	blankRecipient.Recipients = []Recipient{{UserID: ""}}
	assert.Error(t, blankRecipient.Validate())
}

func TestPreferencesAllows(t *testing.T) {
	noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("defaults allow everything", func(t *testing.T) {
		prefs := DefaultPreferences()
		assert.True(t, prefs.Allows(NotifyNewMessage, noon))
		assert.True(t, prefs.Allows(NotifyGroupInvitation, noon))
		assert.True(t, prefs.Allows(NotifyFriendRequest, noon))
		assert.True(t, prefs.Allows("system_announcement", noon))
	})

	t.Run("push disabled blocks everything", func(t *testing.T) {
		prefs := DefaultPreferences()
		prefs.PushEnabled = false
		assert.False(t, prefs.Allows(NotifyNewMessage, noon))
		assert.False(t, prefs.Allows(NotifyFriendRequest, noon))
	})

	t.Run("per-type toggles", func(t *testing.T) {
		prefs := DefaultPreferences()
		prefs.MessageNotifications = false
		assert.False(t, prefs.Allows(NotifyNewMessage, noon))
		assert.True(t, prefs.Allows(NotifyGroupInvitation, noon))

		prefs = DefaultPreferences()
		prefs.SystemNotifications = false
		assert.False(t, prefs.Allows("system_announcement", noon))
		assert.True(t, prefs.Allows(NotifyNewMessage, noon))
	})
}

func TestPreferencesDoNotDisturb(t *testing.T) {
	at := func(hour, minute int) time.Time {
		return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
	}

	t.Run("same-day window", func(t *testing.T) {
		prefs := DefaultPreferences()
		prefs.DoNotDisturbStart = "13:00"
		prefs.DoNotDisturbEnd = "14:00"

		assert.True(t, prefs.Allows(NotifyNewMessage, at(12, 59)))
		assert.False(t, prefs.Allows(NotifyNewMessage, at(13, 0)))
		assert.False(t, prefs.Allows(NotifyNewMessage, at(13, 59)))
		assert.True(t, prefs.Allows(NotifyNewMessage, at(14, 0)))
	})

	t.Run("window crossing midnight", func(t *testing.T) {
		prefs := DefaultPreferences()
		prefs.DoNotDisturbStart = "22:00"
		prefs.DoNotDisturbEnd = "07:30"

		assert.False(t, prefs.Allows(NotifyNewMessage, at(23, 0)))
		assert.False(t, prefs.Allows(NotifyNewMessage, at(3, 0)))
		assert.False(t, prefs.Allows(NotifyNewMessage, at(7, 29)))
		assert.True(t, prefs.Allows(NotifyNewMessage, at(7, 30)))
		assert.True(t, prefs.Allows(NotifyNewMessage, at(12, 0)))
		assert.True(t, prefs.Allows(NotifyNewMessage, at(21, 59)))
	})

	t.Run("unparseable window is ignored", func(t *testing.T) {
		prefs := DefaultPreferences()
		prefs.DoNotDisturbStart = "bedtime"
		prefs.DoNotDisturbEnd = "morning"
		assert.True(t, prefs.Allows(NotifyNewMessage, at(23, 0)))
	})
}

func TestPresenceStatusValid(t *testing.T) {
	assert.True(t, StatusOnline.Valid())
	assert.True(t, StatusAway.Valid())
	assert.True(t, StatusBusy.Valid())
	assert.True(t, StatusOffline.Valid())
	assert.False(t, PresenceStatus("lurking").Valid())
}
