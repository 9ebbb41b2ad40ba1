package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/SavageHobbies/Aether-2/internal/model"
)

// Notifier delivers out-of-band "your state changed" hints to devices that
// are not currently connected, e.g. a mobile push service. Delivery is best
// effort: a reconnecting device always recovers via replay regardless.
type Notifier interface {
	NotifyApplied(ctx context.Context, userID string, snap *model.EntitySnapshot) error
}

// Noop discards every notification.
type Noop struct{}

func (Noop) NotifyApplied(context.Context, string, *model.EntitySnapshot) error { return nil }

// Log writes each notification to the structured log. Useful in dev mode
// and as a wiring placeholder until a real push provider is configured.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) NotifyApplied(_ context.Context, userID string, snap *model.EntitySnapshot) error {
	l.Logger.Info().
		Str("userId", userID).
		Str("entityType", string(snap.EntityType)).
		Str("entityId", snap.EntityID).
		Int64("version", snap.Version).
		Msg("entity changed")
	return nil
}
