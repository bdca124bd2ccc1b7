package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/mtaani/commerce-backend/pkg/db/models"
	"github.com/mtaani/commerce-backend/pkg/enums"
	"github.com/mtaani/commerce-backend/pkg/logger"
	"github.com/mtaani/commerce-backend/pkg/outbox"
	"github.com/mtaani/commerce-backend/pkg/outbox/idempotency"
	"github.com/mtaani/commerce-backend/pkg/outbox/payloads"
)

const confirmationConsumer = "order-confirmations"

type repository interface {
	Create(ctx context.Context, notification *models.Notification) error
}

type customerReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
}

// Consumer watches domain events and turns order placements and payment
// settlements into customer confirmation emails. Delivery is best effort: a
// failed send is recorded on the notification row and the event is still
// acked.
type Consumer struct {
	repo         repository
	customers    customerReader
	mailer       Mailer
	subscription *pubsub.Subscriber
	idempotency  *idempotency.Manager
	logg         *logger.Logger
}

// NewConsumer builds a confirmation consumer.
func NewConsumer(repo repository, customers customerReader, mailer Mailer, subscription *pubsub.Subscriber, manager *idempotency.Manager, logg *logger.Logger) (*Consumer, error) {
	if repo == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	if customers == nil {
		return nil, fmt.Errorf("customers repository required")
	}
	if mailer == nil {
		return nil, fmt.Errorf("mailer required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("domain subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		repo:         repo,
		customers:    customers,
		mailer:       mailer,
		subscription: subscription,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg.ID, msg.Attributes["event_type"], msg.Data)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, messageID, eventType string, data []byte) processResult {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": messageID,
		"event_type": eventType,
	})

	switch enums.OutboxEventType(eventType) {
	case enums.EventOrderPlaced, enums.EventPaymentSettled:
	default:
		return processResult{ack: true}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}
	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, confirmationConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	if err := c.handle(ctx, enums.OutboxEventType(eventType), envelope.Data, logCtx); err != nil {
		c.logg.Error(logCtx, "confirmation handling failed", err)
		_ = c.idempotency.Delete(ctx, confirmationConsumer, eventID)
		return processResult{nack: true}
	}
	return processResult{ack: true}
}

func (c *Consumer) handle(ctx context.Context, eventType enums.OutboxEventType, data json.RawMessage, logCtx context.Context) error {
	switch eventType {
	case enums.EventOrderPlaced:
		var payload payloads.OrderPlacedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("parsing order placed payload: %w", err)
		}
		return c.sendOrderConfirmation(ctx, payload, logCtx)
	case enums.EventPaymentSettled:
		var payload payloads.PaymentStatusEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("parsing payment payload: %w", err)
		}
		return c.sendPaymentConfirmation(ctx, payload, logCtx)
	default:
		return nil
	}
}

func (c *Consumer) sendOrderConfirmation(ctx context.Context, payload payloads.OrderPlacedEvent, logCtx context.Context) error {
	if payload.CustomerID == uuid.Nil || payload.OrderID == uuid.Nil {
		return fmt.Errorf("order placed payload missing identifiers")
	}
	customer, err := c.customers.FindByID(ctx, payload.CustomerID)
	if err != nil {
		return err
	}
	subject := "Your order has been received"
	body := fmt.Sprintf(
		"Hi %s,\n\nWe have received your order %s for KES %s (%d items). We will notify you once payment is confirmed.\n\nThank you for shopping with us.",
		customer.FirstName, payload.OrderID, payload.Total.StringFixed(2), payload.ItemCount,
	)
	return c.deliver(ctx, &models.Notification{
		CustomerID: customer.ID,
		OrderID:    &payload.OrderID,
		Kind:       enums.NotificationBookingConfirmation,
		Recipient:  customer.Email,
		Subject:    subject,
	}, body, logCtx)
}

func (c *Consumer) sendPaymentConfirmation(ctx context.Context, payload payloads.PaymentStatusEvent, logCtx context.Context) error {
	if payload.CustomerID == uuid.Nil || payload.OrderID == uuid.Nil {
		return fmt.Errorf("payment payload missing identifiers")
	}
	customer, err := c.customers.FindByID(ctx, payload.CustomerID)
	if err != nil {
		return err
	}
	subject := "Payment received"
	body := fmt.Sprintf(
		"Hi %s,\n\nWe have received your payment of KES %s for order %s.",
		customer.FirstName, payload.Amount.StringFixed(2), payload.OrderID,
	)
	if payload.ProviderReceipt != "" {
		body += fmt.Sprintf(" Your M-Pesa receipt number is %s.", payload.ProviderReceipt)
	}
	body += "\n\nThank you for shopping with us."
	return c.deliver(ctx, &models.Notification{
		CustomerID: customer.ID,
		OrderID:    &payload.OrderID,
		Kind:       enums.NotificationPaymentConfirmation,
		Recipient:  customer.Email,
		Subject:    subject,
	}, body, logCtx)
}

// deliver sends the email and records the attempt. A send failure is stored
// on the row but does not fail the event.
func (c *Consumer) deliver(ctx context.Context, notification *models.Notification, body string, logCtx context.Context) error {
	if err := c.mailer.Send(ctx, notification.Recipient, notification.Subject, body); err != nil {
		notification.Error = err.Error()
		c.logg.Error(logCtx, "mail delivery failed", err)
	} else {
		now := nowUTC()
		notification.SentAt = &now
	}
	if err := c.repo.Create(ctx, notification); err != nil {
		return err
	}
	c.logg.Info(logCtx, "confirmation recorded")
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
