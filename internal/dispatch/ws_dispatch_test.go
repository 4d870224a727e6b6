package dispatch

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/models"
)

func dial(t *testing.T, reg *WSRegistry, key string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		reg.Add(key, conn)
		close(registered)
	}))
	t.Cleanup(srv.Close)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	<-registered
	return c
}

func TestSendAndBroadcast(t *testing.T) {
	reg := NewWSRegistry(zap.NewNop().Sugar())
	defer reg.Close()
	driver := dial(t, reg, Key(models.RoleDriver, "d1"))
	admin := dial(t, reg, Key(models.RoleAdmin, "a1"))

	if err := reg.Send(Key(models.RoleDriver, "d1"), Envelope{Type: "offer", Data: map[string]string{"trip_id": "t1"}}); err != nil {
		t.Fatal(err)
	}
	var env struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	driver.SetReadDeadline(time.Now().Add(time.Second))
	if err := driver.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "offer" || env.Data["trip_id"] != "t1" {
		t.Fatalf("got %+v", env)
	}

	if n := reg.Broadcast(models.RoleAdmin, Envelope{Type: "sos"}); n != 1 {
		t.Fatalf("broadcast reached %d admins", n)
	}
	admin.SetReadDeadline(time.Now().Add(time.Second))
	if err := admin.ReadJSON(&env); err != nil || env.Type != "sos" {
		t.Fatalf("admin got %+v, %v", env, err)
	}

	if err := reg.Send(Key(models.RoleRider, "nobody"), Envelope{Type: "x"}); err != ErrNoSession {
		t.Fatalf("want ErrNoSession, got %v", err)
	}
}
