package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classcast/classcast/go/internal/events"
	"github.com/classcast/classcast/go/internal/models"
)

func TestSendToUnregisteredConnectionDropsSilently(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	conn := testConn("s1", "tab-a", models.RoleStudent)
	cm.registerConnection(conn)
	cm.unregisterConnection(conn)

	ev, err := events.New(events.EventTypeQueueEmpty, events.QueueEmptyPayload{CourseID: "cs101"})
	require.NoError(t, err)

	// The send channel is closed at this point; a write must degrade to a
	// drop, not a panic.
	assert.NotPanics(t, func() { cm.SendTo(conn, ev) })
}

func TestBroadcastAfterUnregisterDropsSilently(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	live := testConn("s1", "tab-a", models.RoleStudent)
	gone := testConn("s1", "tab-b", models.RoleStudent)
	cm.registerConnection(live)
	cm.registerConnection(gone)

	ev, err := events.New(events.EventTypeQueueEmpty, events.QueueEmptyPayload{CourseID: "cs101"})
	require.NoError(t, err)

	cm.unregisterConnection(gone)
	assert.NotPanics(t, func() {
		cm.handleBroadcast(BroadcastMessage{StudentID: "s1", Event: ev})
	})

	select {
	case <-live.Send:
	default:
		t.Fatal("live socket should still receive the broadcast")
	}
}

func TestUnregisterTwiceIsIdempotent(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	conn := testConn("s1", "tab-a", models.RoleStudent)
	cm.registerConnection(conn)

	cm.unregisterConnection(conn)
	assert.NotPanics(t, func() { cm.unregisterConnection(conn) })
	assert.False(t, cm.IsStudentConnected("s1"))
}
