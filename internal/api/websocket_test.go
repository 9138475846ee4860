package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, h *Hub) (*websocket.Conn, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/stream", h.Subscribe)
	srv := httptest.NewServer(r)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}

	// Registration happens just after the upgrade handshake; wait for it
	// before broadcasting.
	deadline := time.Now().Add(time.Second)
	for {
		h.mutex.Lock()
		n := len(h.clients)
		h.mutex.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client never registered with the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHub_BroadcastReachesSubscriber(t *testing.T) {
	h := NewHub()
	go h.Run()

	conn, cleanup := dialHub(t, h)
	defer cleanup()

	payload := []byte(`{"type":"order","data":{"id":"o-1"}}`)
	h.Broadcast(payload)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(msg) != string(payload) {
		t.Fatalf("expected %s, got %s", payload, msg)
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	h := NewHub()
	go h.Run()

	conn, cleanup := dialHub(t, h)
	defer cleanup()
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mutex.Lock()
		n := len(h.clients)
		h.mutex.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("closed client still registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
