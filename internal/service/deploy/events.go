package deploy

import (
	"context"
	"time"

	"github.com/vague-archive/cloud-platform-sub000/internal/notify"
)

const notifyTimeout = 10 * time.Second

// Notifier receives deploy lifecycle events.
type Notifier interface {
	Emit(ctx context.Context, event notify.Event) error
}

// WithNotifier returns a copy of the engine that reports finished and failed
// deploys to n. Delivery is best effort and never affects the deploy.
func (e Engine) WithNotifier(n Notifier) Engine {
	e.events = n
	return e
}

func (s *started) event(kind string, took time.Duration) notify.Event {
	return notify.Event{
		Kind:         kind,
		Organization: s.org.Slug,
		Game:         s.game.Slug,
		Branch:       s.branch.Slug,
		DeployID:     s.deploy.ID,
		Number:       s.deploy.Number,
		DeployedBy:   s.deploy.DeployedBy,
		Duration:     took,
	}
}

func (e Engine) announce(ctx context.Context, ev notify.Event) {
	if e.events == nil {
		return
	}
	ev.OccurredAt = e.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	go func() {
		defer cancel()
		if err := e.events.Emit(ctx, ev); err != nil {
			e.logger.Warn("deploy notification failed", "deploy_id", ev.DeployID, "kind", ev.Kind, "error", err)
		}
	}()
}
