package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mtaani/commerce-backend/internal/customers"
	"github.com/mtaani/commerce-backend/internal/inventory"
	"github.com/mtaani/commerce-backend/pkg/db/models"
	"github.com/mtaani/commerce-backend/pkg/enums"
	pkgerrors "github.com/mtaani/commerce-backend/pkg/errors"
	"github.com/mtaani/commerce-backend/pkg/logger"
	"github.com/mtaani/commerce-backend/pkg/metrics"
	"github.com/mtaani/commerce-backend/pkg/outbox"
	"github.com/mtaani/commerce-backend/pkg/outbox/payloads"
)

// Service exposes order placement and reads.
type Service interface {
	PlaceOrder(ctx context.Context, input PlaceOrderInput) (*OrderDTO, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*OrderDTO, error)
	ListCustomerOrders(ctx context.Context, customerID uuid.UUID) ([]OrderDTO, error)
}

// PlaceOrderInput holds the validated payload to place an order.
type PlaceOrderInput struct {
	CustomerID uuid.UUID
	Items      []OrderItemInput
}

// OrderItemInput is one requested line of the order.
type OrderItemInput struct {
	ProductID uuid.UUID
	Quantity  int
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type customerReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
}

type service struct {
	repo     *Repository
	dbClient txRunner
	cust     customerReader
	emitter  outboxEmitter
	logg     *logger.Logger
	workflow *metrics.WorkflowMetrics
}

// NewService constructs an order service instance.
func NewService(repo *Repository, dbClient txRunner, cust customerReader, emitter outboxEmitter, logg *logger.Logger, workflow *metrics.WorkflowMetrics) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("order repository required")
	}
	if dbClient == nil {
		return nil, fmt.Errorf("db client required")
	}
	if cust == nil {
		return nil, fmt.Errorf("customer repository required")
	}
	return &service{
		repo:     repo,
		dbClient: dbClient,
		cust:     cust,
		emitter:  emitter,
		logg:     logg,
		workflow: workflow,
	}, nil
}

// PlaceOrder reserves stock for every requested line and creates the order in
// a single transaction. Unit prices are snapshotted from the product rows
// while they are still locked, so a concurrent price change cannot split an
// order between old and new prices. Any reservation failure aborts the whole
// placement.
func (s *service) PlaceOrder(ctx context.Context, input PlaceOrderInput) (*OrderDTO, error) {
	if input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if len(input.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order must contain at least one item")
	}

	requests := make([]inventory.ReservationRequest, 0, len(input.Items))
	seen := make(map[uuid.UUID]bool, len(input.Items))
	for _, item := range input.Items {
		if item.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
		}
		if item.Quantity <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
		}
		if seen[item.ProductID] {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("duplicate product %s in order", item.ProductID))
		}
		seen[item.ProductID] = true
		requests = append(requests, inventory.ReservationRequest{ProductID: item.ProductID, Qty: item.Quantity})
	}

	if _, err := s.cust.FindByID(ctx, input.CustomerID); err != nil {
		return nil, err
	}

	order := &models.Order{
		CustomerID: input.CustomerID,
		Status:     enums.OrderStatusPending,
	}

	err := s.dbClient.WithTx(ctx, func(tx *gorm.DB) error {
		reserved, err := inventory.Reserve(ctx, tx, requests)
		if err != nil {
			if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeOutOfStock {
				s.workflow.IncReservationRejected("insufficient_stock")
			}
			return err
		}

		priceByProduct := make(map[uuid.UUID]decimal.Decimal, len(reserved))
		for _, product := range reserved {
			priceByProduct[product.ID] = product.Price
		}

		total := decimal.Zero
		items := make([]models.OrderItem, 0, len(input.Items))
		for _, item := range input.Items {
			unitPrice := priceByProduct[item.ProductID]
			items = append(items, models.OrderItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: unitPrice,
			})
			total = total.Add(unitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}
		order.Items = items
		order.Total = total

		if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating order")
		}

		return s.emitOrderPlaced(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}

	s.workflow.IncOrderPlaced()
	if s.logg != nil {
		s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "order placed")
	}
	return NewOrderDTO(order), nil
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*OrderDTO, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewOrderDTO(order), nil
}

func (s *service) ListCustomerOrders(ctx context.Context, customerID uuid.UUID) ([]OrderDTO, error) {
	if customerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	rows, err := s.repo.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing orders")
	}
	dtos := make([]OrderDTO, 0, len(rows))
	for i := range rows {
		dtos = append(dtos, *NewOrderDTO(&rows[i]))
	}
	return dtos, nil
}

func (s *service) emitOrderPlaced(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	if s.emitter == nil {
		return nil
	}
	return s.emitter.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderPlaced,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Version:       1,
		Actor:         &outbox.ActorRef{CustomerID: order.CustomerID, Source: "api"},
		Data: payloads.OrderPlacedEvent{
			OrderID:    order.ID,
			CustomerID: order.CustomerID,
			Total:      order.Total,
			ItemCount:  len(order.Items),
		},
	})
}

// Ensure the customers repository satisfies the reader interface.
var _ customerReader = (*customers.Repository)(nil)
