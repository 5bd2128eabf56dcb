package eventstore

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oomol/oocana/jobplane"
)

func TestAppendAndReadEvents(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	sessionID := jobplane.RandomSessionId()
	events := []*jobplane.ReporterEvent{
		{Type: jobplane.EventSessionStarted, SessionID: sessionID, Timestamp: 1},
		{Type: jobplane.EventBlockStarted, SessionID: sessionID, JobID: "job-1", Timestamp: 2},
		{Type: jobplane.EventSessionFinished, SessionID: sessionID, Timestamp: 3},
	}
	for _, event := range events {
		payload, err := json.Marshal(event)
		require.NoError(t, err)
		require.NoError(t, store.Append(event, payload))
	}

	payloads, err := store.Events(sessionID)
	require.NoError(t, err)
	require.Len(t, payloads, 3)

	var first jobplane.ReporterEvent
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &first))
	assert.Equal(t, jobplane.EventSessionStarted, first.Type)

	other, err := store.Events("different-session")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	sessionID := jobplane.RandomSessionId()

	store, err := Open(path)
	require.NoError(t, err)
	event := &jobplane.ReporterEvent{Type: jobplane.EventSessionStarted, SessionID: sessionID, Timestamp: 1}
	payload, _ := json.Marshal(event)
	require.NoError(t, store.Append(event, payload))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	payloads, err := store.Events(sessionID)
	require.NoError(t, err)
	assert.Len(t, payloads, 1)
}
