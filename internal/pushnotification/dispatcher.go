package pushnotification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirahq/cmdgate/internal/approval"
	"github.com/mirahq/cmdgate/internal/eventbus"
)

// Dispatcher listens on the event bus and pages operators when a new
// approval request enters Pending.
type Dispatcher struct {
	eventBus     *eventbus.Bus
	approvalRepo approval.Repository
	sender       *Sender
}

func NewDispatcher(eventBus *eventbus.Bus, approvalRepo approval.Repository, sender *Sender) *Dispatcher {
	return &Dispatcher{
		eventBus:     eventBus,
		approvalRepo: approvalRepo,
		sender:       sender,
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	subID, ch := d.eventBus.Subscribe(256)
	defer d.eventBus.Unsubscribe(subID)

	slog.Info("push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("push notification dispatcher stopped")
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if event.Type == eventbus.EventTypeApprovalCreated {
				d.handleApprovalCreated(ctx, event)
			}
		}
	}
}

func (d *Dispatcher) handleApprovalCreated(ctx context.Context, event *eventbus.Event) {
	req, err := d.approvalRepo.Get(ctx, event.ResourceID)
	if err != nil {
		slog.Error("push dispatcher: failed to get approval request", "id", event.ResourceID, "error", err)
		return
	}
	if req.Status != approval.StatusPending {
		// Resolved or expired before we got to it.
		return
	}

	d.sender.SendToAll(ctx, &NotificationPayload{
		Title: "Approval required",
		Body:  fmt.Sprintf("%s wants to run: %s", req.RequestedBy, req.Command),
		URL:   fmt.Sprintf("/approvals/%s", req.ID),
		Tag:   req.ID,
	})
}
