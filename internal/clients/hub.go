// Package clients tracks the application windows connected to the agent and
// lets the agent focus them, open new ones and push messages to them.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrNoWindowHost  = errors.New("no connected window can open a new window")
	ErrUnknownWindow = errors.New("unknown window")
)

const writeWait = 10 * time.Second

// Window is a live browsing context as last reported by the window itself.
type Window struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Type        string    `json:"type"`
	Controlled  bool      `json:"controlled"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// InteractionHandler receives notification interactions reported by windows.
type InteractionHandler interface {
	Click(ctx context.Context, notificationID, action string) error
	Close(ctx context.Context, notificationID string) error
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	win     Window
	ready   bool
}

func (c *conn) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu          sync.Mutex
	conns       map[string]*conn
	controlling bool
	handler     InteractionHandler
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:      log.With(slog.String("component", "clients")),
		conns:    map[string]*conn{},
	}
}

func (h *Hub) SetHandler(handler InteractionHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and serves the window until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &conn{ws: ws, win: Window{
		ID:          uuid.New().String(),
		Type:        "window",
		ConnectedAt: time.Now(),
	}}

	h.mu.Lock()
	c.win.Controlled = h.controlling
	h.conns[c.win.ID] = c
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, c.win.ID)
		h.mu.Unlock()
		_ = ws.Close()
		h.log.Debug("window disconnected", slog.String("window", c.win.ID))
	}()

	h.readLoop(r.Context(), c)
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("window read failed", slog.String("window", c.win.ID), slog.Any("error", err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(b, &msg); err != nil {
			h.log.Debug("ignoring malformed window message", slog.String("window", c.win.ID))
			continue
		}
		h.handle(ctx, c, msg)
	}
}

func (h *Hub) handle(ctx context.Context, c *conn, msg Message) {
	switch msg.Type {
	case TypeHello, TypeNavigate:
		h.mu.Lock()
		c.win.URL = msg.URL
		if msg.Type == TypeHello && msg.FrameType != "" {
			c.win.Type = msg.FrameType
		}
		first := !c.ready
		c.ready = true
		win := c.win
		h.mu.Unlock()
		if first {
			h.log.Info("window connected", slog.String("window", win.ID), slog.String("url", win.URL), slog.Bool("controlled", win.Controlled))
			_ = c.send(Message{Type: TypeWelcome, ID: win.ID, Controlled: win.Controlled})
		}
	case TypeNotificationClick, TypeNotificationClose:
		h.mu.Lock()
		handler := h.handler
		h.mu.Unlock()
		if handler == nil {
			return
		}
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		var err error
		if msg.Type == TypeNotificationClick {
			err = handler.Click(hctx, msg.ID, msg.Action)
		} else {
			err = handler.Close(hctx, msg.ID)
		}
		cancel()
		if err != nil {
			h.log.Warn("notification interaction failed", slog.String("type", msg.Type), slog.String("notification", msg.ID), slog.Any("error", err))
		}
	default:
		h.log.Debug("ignoring window message", slog.String("type", msg.Type))
	}
}

type snapshot struct {
	c   *conn
	win Window
}

func (h *Hub) readyConns() []snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]snapshot, 0, len(h.conns))
	for _, c := range h.conns {
		if c.ready {
			out = append(out, snapshot{c: c, win: c.win})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].win.ConnectedAt.Before(out[j].win.ConnectedAt) })
	return out
}

// MatchAll lists connected windows of type "window", oldest first.
func (h *Hub) MatchAll(ctx context.Context, includeUncontrolled bool) ([]Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Window, 0, len(h.conns))
	for _, c := range h.conns {
		if !c.ready || c.win.Type != "window" {
			continue
		}
		if !includeUncontrolled && !c.win.Controlled {
			continue
		}
		out = append(out, c.win)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out, nil
}

// Focus asks the window to bring itself to the front.
func (h *Hub) Focus(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	c, ok := h.conns[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("focus %s: %w", id, ErrUnknownWindow)
	}
	if err := c.send(Message{Type: TypeFocus, ID: id}); err != nil {
		return fmt.Errorf("focus %s: %w", id, err)
	}
	return nil
}

// OpenWindow asks a connected window to open url in a new window or tab.
// Controlled windows are preferred, most recently connected first.
func (h *Hub) OpenWindow(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conns := h.readyConns()
	sort.SliceStable(conns, func(i, j int) bool {
		if conns[i].win.Controlled != conns[j].win.Controlled {
			return conns[i].win.Controlled
		}
		return conns[i].win.ConnectedAt.After(conns[j].win.ConnectedAt)
	})
	var errs []error
	for _, sn := range conns {
		err := sn.c.send(Message{Type: TypeOpenWindow, URL: url})
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("open %s: %w", url, errors.Join(errs...))
	}
	return fmt.Errorf("open %s: %w", url, ErrNoWindowHost)
}

// Claim takes control of every connected window, and of windows that connect
// later.
func (h *Hub) Claim(ctx context.Context) (int, error) {
	h.mu.Lock()
	h.controlling = true
	var claimed []*conn
	for _, c := range h.conns {
		if !c.win.Controlled {
			c.win.Controlled = true
			claimed = append(claimed, c)
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, c := range claimed {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := c.send(Message{Type: TypeClaim, ID: c.win.ID, Controlled: true}); err != nil {
			errs = append(errs, err)
		}
	}
	return len(claimed), errors.Join(errs...)
}

// Broadcast sends a message of type typ carrying v to every ready window and
// returns how many received it.
func (h *Hub) Broadcast(ctx context.Context, typ string, v any) (int, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("broadcast %s: %w", typ, err)
	}
	sent := 0
	for _, sn := range h.readyConns() {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := sn.c.send(Message{Type: typ, Payload: payload}); err != nil {
			h.log.Debug("broadcast to window failed", slog.String("window", sn.win.ID), slog.Any("error", err))
			continue
		}
		sent++
	}
	return sent, nil
}
