package clients

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"offline0/internal/logger"
)

type recordedInteraction struct {
	kind   string
	id     string
	action string
}

type fakeHandler struct {
	mu  sync.Mutex
	got []recordedInteraction
}

func (f *fakeHandler) Click(_ context.Context, id, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, recordedInteraction{"click", id, action})
	return nil
}

func (f *fakeHandler) Close(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, recordedInteraction{"close", id, ""})
	return nil
}

func (f *fakeHandler) snapshot() []recordedInteraction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedInteraction(nil), f.got...)
}

func setupTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(logger.Discard())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv
}

// connectWindow dials the hub, says hello and waits for the welcome.
func connectWindow(t *testing.T, srv *httptest.Server, url string) (*websocket.Conn, Message) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	if err := ws.WriteJSON(Message{Type: TypeHello, URL: url}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	welcome := readMessage(t, ws)
	if welcome.Type != TypeWelcome || welcome.ID == "" {
		t.Fatalf("expected welcome with id, got %+v", welcome)
	}
	return ws, welcome
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMatchAllListsWindows(t *testing.T) {
	hub, srv := setupTestHub(t)
	connectWindow(t, srv, "http://app/orders/1")
	connectWindow(t, srv, "http://app/")

	ctx := context.Background()
	wins, err := hub.MatchAll(ctx, true)
	if err != nil {
		t.Fatalf("MatchAll: %v", err)
	}
	if len(wins) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(wins))
	}
	if wins[0].URL != "http://app/orders/1" || wins[1].URL != "http://app/" {
		t.Errorf("unexpected order or urls: %+v", wins)
	}

	controlled, _ := hub.MatchAll(ctx, false)
	if len(controlled) != 0 {
		t.Errorf("expected no controlled windows before claim, got %d", len(controlled))
	}
}

func TestNavigateUpdatesURL(t *testing.T) {
	hub, srv := setupTestHub(t)
	ws, _ := connectWindow(t, srv, "http://app/")
	if err := ws.WriteJSON(Message{Type: TypeNavigate, URL: "http://app/admin/orders"}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	waitFor(t, func() bool {
		wins, _ := hub.MatchAll(context.Background(), true)
		return len(wins) == 1 && wins[0].URL == "http://app/admin/orders"
	})
}

func TestClaimMarksWindowsControlled(t *testing.T) {
	hub, srv := setupTestHub(t)
	ws, welcome := connectWindow(t, srv, "http://app/")
	if welcome.Controlled {
		t.Fatal("window should start uncontrolled")
	}

	n, err := hub.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 claimed, got %d", n)
	}
	msg := readMessage(t, ws)
	if msg.Type != TypeClaim || !msg.Controlled {
		t.Errorf("expected claim message, got %+v", msg)
	}

	_, later := connectWindow(t, srv, "http://app/other")
	if !later.Controlled {
		t.Error("windows connecting after claim should be controlled")
	}
	wins, _ := hub.MatchAll(context.Background(), false)
	if len(wins) != 2 {
		t.Errorf("expected 2 controlled windows, got %d", len(wins))
	}
}

func TestFocusSendsToWindow(t *testing.T) {
	hub, srv := setupTestHub(t)
	ws, welcome := connectWindow(t, srv, "http://app/")

	if err := hub.Focus(context.Background(), welcome.ID); err != nil {
		t.Fatalf("Focus: %v", err)
	}
	msg := readMessage(t, ws)
	if msg.Type != TypeFocus || msg.ID != welcome.ID {
		t.Errorf("expected focus for %s, got %+v", welcome.ID, msg)
	}

	if err := hub.Focus(context.Background(), "nope"); !errors.Is(err, ErrUnknownWindow) {
		t.Errorf("expected ErrUnknownWindow, got %v", err)
	}
}

func TestOpenWindowWithoutHost(t *testing.T) {
	hub, _ := setupTestHub(t)
	err := hub.OpenWindow(context.Background(), "/orders/1")
	if !errors.Is(err, ErrNoWindowHost) {
		t.Fatalf("expected ErrNoWindowHost, got %v", err)
	}
}

func TestOpenWindowPrefersControlled(t *testing.T) {
	hub, srv := setupTestHub(t)
	old, _ := connectWindow(t, srv, "http://app/")
	if _, err := hub.Claim(context.Background()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	readMessage(t, old) // claim

	if err := hub.OpenWindow(context.Background(), "/admin/orders"); err != nil {
		t.Fatalf("OpenWindow: %v", err)
	}
	msg := readMessage(t, old)
	if msg.Type != TypeOpenWindow || msg.URL != "/admin/orders" {
		t.Errorf("expected openWindow, got %+v", msg)
	}
}

func TestNotificationEventsReachHandler(t *testing.T) {
	hub, srv := setupTestHub(t)
	h := &fakeHandler{}
	hub.SetHandler(h)
	ws, _ := connectWindow(t, srv, "http://app/")

	_ = ws.WriteJSON(Message{Type: TypeNotificationClick, ID: "n1", Action: "view_order"})
	_ = ws.WriteJSON(Message{Type: TypeNotificationClose, ID: "n2"})

	waitFor(t, func() bool { return len(h.snapshot()) == 2 })
	got := h.snapshot()
	if got[0] != (recordedInteraction{"click", "n1", "view_order"}) {
		t.Errorf("unexpected click: %+v", got[0])
	}
	if got[1] != (recordedInteraction{"close", "n2", ""}) {
		t.Errorf("unexpected close: %+v", got[1])
	}
}

func TestBroadcastCountsRecipients(t *testing.T) {
	hub, srv := setupTestHub(t)
	a, _ := connectWindow(t, srv, "http://app/a")
	b, _ := connectWindow(t, srv, "http://app/b")

	n, err := hub.Broadcast(context.Background(), TypeNotification, map[string]string{"title": "T"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recipients, got %d", n)
	}
	for _, ws := range []*websocket.Conn{a, b} {
		msg := readMessage(t, ws)
		if msg.Type != TypeNotification || !strings.Contains(string(msg.Payload), `"title":"T"`) {
			t.Errorf("unexpected broadcast: %+v", msg)
		}
	}
}

func TestDisconnectRemovesWindow(t *testing.T) {
	hub, srv := setupTestHub(t)
	ws, _ := connectWindow(t, srv, "http://app/")
	ws.Close()
	waitFor(t, func() bool {
		wins, _ := hub.MatchAll(context.Background(), true)
		return len(wins) == 0
	})
}
