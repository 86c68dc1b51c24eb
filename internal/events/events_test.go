package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentgate/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMulti_StampsOnceForAllSinks(t *testing.T) {
	var a, b Recorder
	Multi{&a, &b}.Publish(context.Background(), Event{Type: "order.created", Subject: "ord_1"})

	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
	assert.NotEmpty(t, a.Events()[0].ID)
	assert.Equal(t, a.Events()[0].ID, b.Events()[0].ID)
	assert.False(t, a.Events()[0].OccurredAt.IsZero())
}

func TestClientWants_AudienceAndFilter(t *testing.T) {
	e := Event{Type: "order.shipped", Subject: "ord_1", Audience: []string{"agt_1", "sel_1"}}

	buyer := &client{viewer: Viewer{ID: "agt_1"}}
	other := &client{viewer: Viewer{ID: "agt_2"}}
	admin := &client{viewer: Viewer{ID: "admin", All: true}}

	assert.True(t, buyer.wants(e))
	assert.False(t, other.wants(e))
	assert.True(t, admin.wants(e))

	buyer.filter = Filter{Types: []string{"order.delivered"}}
	assert.False(t, buyer.wants(e))
	buyer.filter = Filter{Subjects: []string{"ord_1"}}
	assert.True(t, buyer.wants(e))
}

func TestHub_DeliversOnlyToAudience(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger())
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, Viewer{ID: r.URL.Query().Get("id")})
	}))
	defer srv.Close()

	dial := func(id string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?id=" + id
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		return conn
	}
	buyer := dial("agt_1")
	defer buyer.Close()
	stranger := dial("agt_2")
	defer stranger.Close()

	require.Eventually(t, func() bool {
		return hub.Stats()["connectedClients"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(ctx, Event{Type: "order.confirmed", Subject: "ord_9", Audience: []string{"agt_1"}})

	_ = buyer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := buyer.ReadMessage()
	require.NoError(t, err)
	var got Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "order.confirmed", got.Type)
	assert.Equal(t, "ord_9", got.Subject)

	_ = stranger.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err = stranger.ReadMessage()
	assert.Error(t, err, "stranger must not receive the event")
}

func TestPublishing_Envelope(t *testing.T) {
	e := stamp(Event{Type: "ledger.debited", Subject: "agt_1", Data: map[string]any{"amount": 25000}})
	msg, err := publishing(e)
	require.NoError(t, err)

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, e.ID, msg.MessageId)
	assert.Equal(t, "ledger.debited", msg.Type)
	assert.Contains(t, string(msg.Body), `"amount":25000`)
}

func TestAMQPPublisher_DropsWhenQueueFull(t *testing.T) {
	p := NewAMQPPublisher(AMQPConfig{Exchange: "x", Buffer: 1}, testLogger())
	p.Publish(context.Background(), Event{Type: "a"})
	p.Publish(context.Background(), Event{Type: "b"})
	assert.Len(t, p.queue, 1)
}

func TestAMQPPublisher_DialFailureIsRetried(t *testing.T) {
	p := NewAMQPPublisher(AMQPConfig{
		Exchange: "x",
		Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, testLogger())
	calls := 0
	p.dial = func(string) (*amqp.Connection, error) {
		calls++
		return nil, errors.New("connection refused")
	}

	p.deliver(context.Background(), Event{Type: "order.created"})
	assert.Equal(t, 3, calls)
}
