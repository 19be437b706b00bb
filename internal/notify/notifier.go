// Package notify fans alerts out to Telegram and Discord. Delivery is
// fire-and-forget: callers never see a failure, senders' errors are logged.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// sendTimeout bounds one delivery to one sender.
const sendTimeout = 10 * time.Second

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier implements domain.Notifier. Only events in the allowed set are
// forwarded; an empty set allows every event.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier delivering to senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Fire delivers the alert in the background. The delivery outlives ctx's
// cancellation but keeps its values.
func (n *Notifier) Fire(ctx context.Context, event, title, message string) {
	if !n.Allowed(event) {
		n.logger.DebugContext(ctx, "notify: event filtered out", slog.String("event", event))
		return
	}
	if len(n.senders) == 0 {
		n.logger.InfoContext(ctx, "notify: "+title,
			slog.String("event", event),
			slog.String("message", message),
		)
		return
	}

	detached := context.WithoutCancel(ctx)
	for _, s := range n.senders {
		n.wg.Add(1)
		go func(s Sender) {
			defer n.wg.Done()
			sendCtx, cancel := context.WithTimeout(detached, sendTimeout)
			defer cancel()
			if err := s.Send(sendCtx, title, message); err != nil {
				n.logger.WarnContext(sendCtx, "notify: sender failed",
					slog.String("sender", s.Name()),
					slog.String("event", event),
					slog.String("error", err.Error()),
				)
				return
			}
			n.logger.DebugContext(sendCtx, "notify: sent",
				slog.String("sender", s.Name()),
				slog.String("event", event),
			)
		}(s)
	}
}

// Allowed reports whether event passes the filter.
func (n *Notifier) Allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (n *Notifier) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// postJSON posts payload to url and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

var _ domain.Notifier = (*Notifier)(nil)
