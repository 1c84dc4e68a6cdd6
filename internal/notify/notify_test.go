package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.AddClient(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubBroadcastsJobEvents(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.JobCompleted("job-1", "generated content")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))

	assert.Equal(t, "job_completed", ev.Type)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, "generated content", ev.Result)
}

func TestHubDropsDisconnectedClient(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)

	// Broadcasting with no clients must not panic or block.
	hub.JobFailed("job-1", "boom")
}

func TestAlerterSendsOnCircuitOpen(t *testing.T) {
	a := NewEmailAlerter("key", "GenQueue", "alerts@example.com", "oncall@example.com")

	var sent []*mail.SGMailV3
	a.send = func(email *mail.SGMailV3) (int, error) {
		sent = append(sent, email)
		return 202, nil
	}

	a.CircuitOpened(context.Background(), "openai", 5)

	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Subject, "openai")
}

func TestAlerterCooldownSuppressesRepeats(t *testing.T) {
	a := NewEmailAlerter("key", "GenQueue", "alerts@example.com", "oncall@example.com")

	var count int
	a.send = func(email *mail.SGMailV3) (int, error) {
		count++
		return 202, nil
	}

	a.CircuitOpened(context.Background(), "openai", 5)
	a.CircuitOpened(context.Background(), "openai", 5)
	assert.Equal(t, 1, count)

	// A different provider alerts independently.
	a.CircuitOpened(context.Background(), "anthropic", 5)
	assert.Equal(t, 2, count)

	// Past the cooldown the same provider alerts again.
	a.lastAlert["openai"] = time.Now().Add(-time.Hour)
	a.CircuitOpened(context.Background(), "openai", 5)
	assert.Equal(t, 3, count)
}
