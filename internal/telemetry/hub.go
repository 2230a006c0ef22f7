package telemetry

import (
	"context"

	"github.com/rs/zerolog"
)

// Hub is the process scoped telemetry state handed to the HTTP handlers: the
// heartbeat record, the position service and the cancellable broadcaster.
type Hub struct {
	Heartbeats  *Heartbeats
	Positions   *Service
	Broadcaster *Broadcaster
	log         zerolog.Logger
}

// NewHub bundles the process-scoped telemetry state.
func NewHub(heartbeats *Heartbeats, positions *Service, broadcaster *Broadcaster, log zerolog.Logger) *Hub {
	return &Hub{
		Heartbeats:  heartbeats,
		Positions:   positions,
		Broadcaster: broadcaster,
		log:         log.With().Str("component", "telemetry").Logger(),
	}
}

// Start launches the broadcaster and any observers. Observer failures are
// logged and never stop the broadcaster.
func (h *Hub) Start(ctx context.Context, observers ...*MQTTObserver) error {
	if err := h.Broadcaster.Start(ctx); err != nil {
		return err
	}
	for _, o := range observers {
		go func(o *MQTTObserver) {
			if err := o.Run(ctx, h.Broadcaster); err != nil {
				h.log.Error().Err(err).Msg("observer stopped")
			}
		}(o)
	}
	return nil
}

// Stop cancels the broadcaster.
func (h *Hub) Stop() {
	h.Broadcaster.Stop()
}
