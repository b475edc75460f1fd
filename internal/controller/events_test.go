package controller

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/firmware_updater/internal/update"
)

func TestBus_FiltersByKind(t *testing.T) {
	bus := NewBus()

	status, unsubscribe := bus.Subscribe(EventStatus)
	defer unsubscribe()

	all, unsubscribeAll := bus.Subscribe()
	defer unsubscribeAll()

	bus.Publish(Event{Kind: EventDownloadProgress, Update: update.Snapshot{DownloadID: "a"}})
	bus.Publish(Event{Kind: EventStatus, Update: update.Snapshot{DownloadID: "b"}})

	ev := <-status
	assert.Equal(t, "b", ev.Update.DownloadID)

	assert.Equal(t, EventDownloadProgress, (<-all).Kind)
	assert.Equal(t, EventStatus, (<-all).Kind)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()

	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for range subscriberBuffer {
		assert.Zero(t, bus.Publish(Event{Kind: EventStatus}))
	}

	assert.Equal(t, 1, bus.Publish(Event{Kind: EventStatus}))
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()

	ch, unsubscribe := bus.Subscribe()
	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.Publish(Event{Kind: EventRemoved}))
}

func TestEvent_JSON(t *testing.T) {
	data, err := json.Marshal(Event{Kind: EventInstallProgress, Update: update.Snapshot{DownloadID: "a", Status: update.StatusInstalling}})
	require.NoError(t, err)

	assert.JSONEq(t, `"install_progress"`, string(mustField(t, data, "kind")))

	var u map[string]any
	require.NoError(t, json.Unmarshal(mustField(t, data, "update"), &u))
	assert.Equal(t, "installing", u["status"])
}

func mustField(t *testing.T, data []byte, name string) json.RawMessage {
	t.Helper()

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))

	return fields[name]
}
