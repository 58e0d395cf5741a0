package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Presenter shows a notification somewhere: connected windows, a chat.
type Presenter interface {
	Name() string
	Present(ctx context.Context, n Notification) error
}

type Dispatcher struct {
	defaults   Defaults
	registry   *Registry
	presenters []Presenter
	log        *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewDispatcher(defaults Defaults, registry *Registry, log *slog.Logger, presenters ...Presenter) *Dispatcher {
	return &Dispatcher{
		defaults:   defaults.withFallbacks(),
		registry:   registry,
		presenters: presenters,
		log:        log.With(slog.String("component", "dispatcher")),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// Build normalizes a push payload into a notification. An empty payload gives
// the fixed default notification; a payload that is not a JSON object is
// shown as plain text.
func (d *Dispatcher) Build(payload []byte) Notification {
	now := d.now()
	n := Notification{ID: d.newID(), ShownAt: now}

	if len(payload) == 0 {
		n.Title = d.defaults.Title
		n.Options = Options{Body: d.defaults.Body, Icon: d.defaults.Icon, Data: map[string]any{}}
		return n
	}

	p, err := parsePayload(payload)
	if err != nil {
		d.log.Debug("payload is not a notification descriptor, showing as text", slog.Any("error", err))
		n.Title = d.defaults.Title
		n.Options = Options{
			Body: strings.ToValidUTF8(string(payload), "�"),
			Icon: d.defaults.Icon,
			Data: map[string]any{},
		}
		return n
	}

	title, body := p.Title, p.Body
	if p.Notification != nil {
		title = firstNonEmpty(title, p.Notification.Title)
		body = firstNonEmpty(body, p.Notification.Body)
	}
	n.Title = firstNonEmpty(title, d.defaults.Title)
	n.Options = Options{
		Body:               firstNonEmpty(body, d.defaults.Body),
		Icon:               firstNonEmpty(p.Icon, d.defaults.Icon),
		Badge:              firstNonEmpty(p.Badge, d.defaults.Badge),
		Image:              p.Image,
		Vibrate:            p.Vibrate,
		Data:               p.Data,
		Actions:            p.Actions,
		Tag:                firstNonEmpty(p.Tag, d.defaults.Tag),
		Renotify:           boolOr(p.Renotify, false),
		RequireInteraction: boolOr(p.RequireInteraction, true),
		Silent:             boolOr(p.Silent, false),
		Timestamp:          p.Timestamp,
	}
	if len(n.Options.Vibrate) == 0 {
		n.Options.Vibrate = append([]int(nil), d.defaults.Vibrate...)
	}
	if n.Options.Data == nil {
		n.Options.Data = map[string]any{}
	}
	if n.Options.Actions == nil {
		n.Options.Actions = []Action{}
	}
	if n.Options.Timestamp == 0 {
		n.Options.Timestamp = now.UnixMilli()
	}
	return n
}

// Dispatch builds the notification, records it as shown and hands it to
// every presenter. It returns once all presenters finished. Presenter
// failures are joined into the error; the notification is shown regardless.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) (Notification, error) {
	n := d.Build(payload)
	if replaced, ok := d.registry.Add(n); ok {
		d.log.Debug("notification replaced by tag", slog.String("tag", n.Options.Tag), slog.String("replaced", replaced.ID))
	}
	d.log.Info("notification shown", slog.String("id", n.ID), slog.String("title", n.Title), slog.String("tag", n.Options.Tag))

	var errs []error
	for _, p := range d.presenters {
		if err := p.Present(ctx, n); err != nil {
			d.log.Warn("presenter failed", slog.String("presenter", p.Name()), slog.String("id", n.ID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return n, errors.Join(errs...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
