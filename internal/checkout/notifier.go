package checkout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/checkout-settlement/internal/coins"
	"github.com/noah-isme/checkout-settlement/internal/events"
)

// AwardOnConfirm queues the coin award for every confirmed order.
type AwardOnConfirm struct {
	Queue coins.Enqueuer
}

// Notify implements events.Notifier.
func (a AwardOnConfirm) Notify(ctx context.Context, ev events.Event) error {
	if ev.Topic != events.TopicOrderConfirmed || a.Queue == nil {
		return nil
	}
	var p ConfirmedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode confirmed payload: %w", err)
	}
	if p.UserID == "" || !p.FinalTotal.IsPositive() {
		return nil
	}
	return coins.EnqueueAward(ctx, a.Queue, coins.AwardPayload{OrderID: p.OrderID, UserID: p.UserID, Paid: p.FinalTotal})
}
