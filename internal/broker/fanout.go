package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/vedran77/chatrelay/internal/domain"
)

// Fanout publishes an event once per distinct recipient, routed by the
// recipient's user id.
type Fanout struct {
	bus Bus
	log *slog.Logger
}

func NewFanout(bus Bus, log *slog.Logger) *Fanout {
	return &Fanout{bus: bus, log: log}
}

func (f *Fanout) Notify(ctx context.Context, evt *domain.OutboundEvent) error {
	body, err := domain.MarshalEvent(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	var errs []error
	for _, userID := range lo.Uniq(evt.Recipients) {
		if userID == uuid.Nil {
			continue
		}
		if err := f.bus.Publish(ctx, userID.String(), body); err != nil {
			f.log.Warn("fanout publish failed", "event", evt.Kind, "user", userID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
