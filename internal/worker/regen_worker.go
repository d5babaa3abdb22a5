package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bilancio/internal/amqp"
	"bilancio/internal/core"
)

// Regenerator is the single service operation the worker drives.
type Regenerator interface {
	RegenerateMonth(ctx context.Context, month core.Month) error
}

// RegenWorker rebuilds budget plans. It reacts to regeneration request
// messages and also re-runs the current month on a fixed interval as a
// catch-up for missed events.
type RegenWorker struct {
	service  Regenerator
	client   *amqp.Client
	interval time.Duration
}

func NewRegenWorker(service Regenerator, client *amqp.Client, interval time.Duration) *RegenWorker {
	return &RegenWorker{
		service:  service,
		client:   client,
		interval: interval,
	}
}

// HandleRequest processes one regeneration request from AMQP.
func (w *RegenWorker) HandleRequest(ctx context.Context, msg *amqp.RegenerationRequestMessage) error {
	month, err := core.ParseMonth(msg.Month)
	if err != nil {
		// Malformed month never becomes valid; surface it so the delivery
		// is dropped instead of requeued forever.
		slog.ErrorContext(ctx, "Regeneration request has invalid month",
			"error", err, "month", msg.Month, "reason", msg.Reason)
		return nil
	}

	slog.InfoContext(ctx, "Regenerating month from request",
		"month", month.String(),
		"reason", msg.Reason)

	if err := w.service.RegenerateMonth(ctx, month); err != nil {
		return fmt.Errorf("regenerate %s: %w", month, err)
	}
	return nil
}

// Consume runs the AMQP consume loop until ctx is cancelled.
func (w *RegenWorker) Consume(ctx context.Context) error {
	if w.client == nil {
		slog.WarnContext(ctx, "AMQP client not available, consume loop disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	return w.client.ConsumeRegenerationRequests(ctx, func(msg *amqp.RegenerationRequestMessage) error {
		return w.HandleRequest(ctx, msg)
	})
}

// Tick regenerates the current month every interval until ctx is cancelled.
func (w *RegenWorker) Tick(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			month := core.CurrentMonth(now)
			if err := w.service.RegenerateMonth(ctx, month); err != nil {
				slog.ErrorContext(ctx, "Periodic regeneration failed",
					"month", month.String(), "error", err)
				continue
			}
			slog.InfoContext(ctx, "Periodic regeneration completed", "month", month.String())
		}
	}
}
