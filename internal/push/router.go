package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"offline0/internal/clients"
)

// Windows is what the router needs from the set of open application windows.
type Windows interface {
	MatchAll(ctx context.Context, includeUncontrolled bool) ([]clients.Window, error)
	Focus(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, url string) error
}

// Recognized notification action tokens.
const (
	ActionViewOrder       = "view_order"
	ActionStartProduction = "start_production"
	ActionViewAllOrders   = "view_all_orders"
	ActionViewAll         = "view_all"
)

// Outcome describes what a click did.
type Outcome struct {
	URL      string `json:"url"`
	Focused  bool   `json:"focused"`
	WindowID string `json:"windowId,omitempty"`
}

type Router struct {
	windows  Windows
	registry *Registry
	base     *url.URL
	log      *slog.Logger
}

// NewRouter resolves click targets against publicURL when it is non-empty.
func NewRouter(windows Windows, registry *Registry, publicURL string, log *slog.Logger) (*Router, error) {
	r := &Router{
		windows:  windows,
		registry: registry,
		log:      log.With(slog.String("component", "router")),
	}
	if publicURL != "" {
		u, err := url.Parse(publicURL)
		if err != nil {
			return nil, fmt.Errorf("parse public url: %w", err)
		}
		r.base = u
	}
	return r, nil
}

// Resolve maps an action and the notification's data to a target path.
// An action whose identifier is missing, empty or zero falls through to
// data.url, then "/". The identifier is interpolated as is.
func Resolve(action string, data map[string]any) string {
	orderID := idValue(data["orderId"])
	switch {
	case action == ActionViewOrder && orderID != "":
		return "/orders/" + orderID
	case action == ActionStartProduction && orderID != "":
		return "/admin/orders/" + orderID
	case action == ActionViewAllOrders:
		return "/admin/orders"
	case action == ActionViewAll:
		return "/"
	}
	if u := stringValue(data["url"]); u != "" {
		return u
	}
	return "/"
}

// idValue is stringValue with zero numbers treated as absent.
func idValue(v any) string {
	switch t := v.(type) {
	case float64:
		if t == 0 {
			return ""
		}
	case json.Number:
		if f, err := t.Float64(); err == nil && f == 0 {
			return ""
		}
	case int:
		if t == 0 {
			return ""
		}
	case int64:
		if t == 0 {
			return ""
		}
	}
	return stringValue(v)
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func (r *Router) target(path string) string {
	if r.base == nil {
		return path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	return r.base.ResolveReference(ref).String()
}

// Route closes the notification, then focuses a window already showing the
// target or opens a new one.
func (r *Router) Route(ctx context.Context, id, action string) (Outcome, error) {
	n, ok := r.registry.Remove(id)
	if !ok {
		r.log.Debug("click on unknown notification", slog.String("id", id))
	}
	target := r.target(Resolve(action, n.Options.Data))
	r.log.Info("notification clicked", slog.String("id", id), slog.String("action", action), slog.String("url", target))

	wins, err := r.windows.MatchAll(ctx, true)
	if err != nil {
		return Outcome{URL: target}, fmt.Errorf("list windows: %w", err)
	}
	for _, w := range wins {
		if w.Type != "window" || w.URL != target {
			continue
		}
		if err := r.windows.Focus(ctx, w.ID); err != nil {
			r.log.Warn("focus failed, opening a new window", slog.String("window", w.ID), slog.Any("error", err))
			break
		}
		return Outcome{URL: target, Focused: true, WindowID: w.ID}, nil
	}

	if err := r.windows.OpenWindow(ctx, target); err != nil {
		return Outcome{URL: target}, err
	}
	return Outcome{URL: target}, nil
}

// Click satisfies clients.InteractionHandler.
func (r *Router) Click(ctx context.Context, id, action string) error {
	_, err := r.Route(ctx, id, action)
	return err
}

// Close records a dismissal. It has no other effect.
func (r *Router) Close(_ context.Context, id string) error {
	if _, ok := r.registry.Remove(id); ok {
		r.log.Info("notification dismissed", slog.String("id", id))
	}
	return nil
}
