package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amm-sandbox/internal/model"
)

const checksummed = "0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe"

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readMsg(t *testing.T, c *websocket.Conn) Msg {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	var m Msg
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	c := dial(t, srv, "")
	require.NoError(t, c.WriteJSON(Request{Action: "subscribe", MarketID: strings.ToLower(checksummed)}))
	require.Eventually(t, func() bool { return hub.Subscribers(checksummed) == 1 }, 2*time.Second, 5*time.Millisecond)

	n := model.OrderNotification{ID: "t1", MarketKey: checksummed, IsBuy: true, Wallet: "w", AmountIn: 10, AmountOut: 5, Price: 0.2}
	require.NoError(t, hub.Deliver(context.Background(), n))

	m := readMsg(t, c)
	assert.Equal(t, "order", m.Type)
	assert.Equal(t, checksummed, m.MarketID)
	data, ok := m.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "t1", data["id"])
	assert.Equal(t, true, data["isBuy"])
}

func TestHubSubscribeOnConnectAndIsolation(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	a := dial(t, srv, "?market_id=a")
	b := dial(t, srv, "?market_id=b")
	require.Eventually(t, func() bool {
		return hub.Subscribers("a") == 1 && hub.Subscribers("b") == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish("b", "order", "only-b"))
	require.NoError(t, hub.Publish("a", "order", "only-a"))

	assert.Equal(t, "only-a", readMsg(t, a).Data)
	assert.Equal(t, "only-b", readMsg(t, b).Data)
}

func TestHubUnsubscribeAndDisconnect(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	c := dial(t, srv, "?market_id=a")
	require.NoError(t, c.WriteJSON(Request{Action: "subscribe", MarketID: "b"}))
	require.Eventually(t, func() bool { return hub.Subscribers("b") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.WriteJSON(Request{Action: "unsubscribe", MarketID: "a"}))
	require.Eventually(t, func() bool { return hub.Subscribers("a") == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.Subscribers("b"))

	c.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("b") == 0 }, 2*time.Second, 5*time.Millisecond)

	// publishing to a room nobody is in is a no-op
	assert.NoError(t, hub.Publish("b", "order", nil))
	assert.Equal(t, "ws", hub.Name())
}
