package inspect

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymutate/internal/conflicts"
	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

func TestHubDropsFramesForSlowSubscribers(t *testing.T) {
	hub := NewHub(discardLogger(), 1)
	frames, cancel := hub.Subscribe()
	defer cancel()

	hub.OnFeedback(optimistic.Feedback{Title: "first"})
	hub.OnFeedback(optimistic.Feedback{Title: "second"})
	assert.Equal(t, uint64(1), hub.Dropped())

	var msg Message
	require.NoError(t, json.Unmarshal(<-frames, &msg))
	assert.Equal(t, "first", msg.Feedback.Title)
}

func TestHubCancelAndClose(t *testing.T) {
	hub := NewHub(nil, 0)
	a, cancelA := hub.Subscribe()
	b, _ := hub.Subscribe()
	require.Equal(t, 2, hub.Subscribers())

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())

	hub.Close()
	_, open = <-b
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())

	late, _ := hub.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing to a closed hub yields a closed channel")

	hub.OnConflict(conflicts.Conflict{ID: "ignored"})
}

func TestHubFrameShape(t *testing.T) {
	hub := NewHub(nil, 0)
	frames, cancel := hub.Subscribe()
	defer cancel()

	hub.OnEvent(optimistic.Event{Type: optimistic.EventBatchProcessed})
	var raw map[string]any
	require.NoError(t, json.Unmarshal(<-frames, &raw))
	assert.Equal(t, "event", raw["kind"])
	assert.NotContains(t, raw, "feedback")
	assert.NotContains(t, raw, "conflict")
	event, ok := raw["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "batch_processed", event["type"])
}
