// Package intake turns a confirmed payment into an order and its grading
// records.
package intake

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"card-grading-service/internal/model"
	"card-grading-service/internal/observability"
	"card-grading-service/internal/pricing"
	"card-grading-service/internal/repository"
)

const (
	OrderIDPrefix  = "ord_"
	RecordIDPrefix = "grd_"

	// MaxCardsPerOrder caps a single submission.
	MaxCardsPerOrder = 100

	minCardYear      = 1860
	flagTimeout      = 5 * time.Second
)

// Store is the persistence the pipeline needs. InsertOrder must return how
// many records are persisted when it fails, and wrap
// repository.ErrIncompleteRollback when the order row may have survived.
type Store interface {
	InsertOrder(ctx context.Context, order model.Order, records []model.GradingRecord) (int, error)
	FlagOrder(ctx context.Context, orderID, note string) error
}

type CardInput struct {
	CardName   string
	Year       int
	SetName    string
	CardNumber string
	Variant    string
}

type CustomerInfo struct {
	Customer       model.Customer
	ShippingMethod model.ShippingMethod
}

// Request is built by the caller after the payment processor has confirmed
// the charge.
type Request struct {
	ServiceType      model.ServiceType
	Cards            []CardInput
	Shipping         CustomerInfo
	AmountPaid       int64
	PaymentReference string
}

type Deps struct {
	Store   Store
	Clock   func() time.Time
	NewID   func(prefix string) string
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

type Pipeline struct {
	store   Store
	clock   func() time.Time
	newID   func(prefix string) string
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewPipeline(d Deps) (*Pipeline, error) {
	if d.Store == nil {
		return nil, errors.New("intake: store is required")
	}
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := d.NewID
	if newID == nil {
		newID = func(prefix string) string { return prefix + ulid.Make().String() }
	}
	return &Pipeline{
		store:   d.Store,
		clock:   func() time.Time { return clock().UTC() },
		newID:   newID,
		logger:  observability.OrNop(d.Logger),
		metrics: d.Metrics,
	}, nil
}

// CreateOrder validates the request, checks the paid amount against the
// price function and persists one order plus one pending record per card.
func (p *Pipeline) CreateOrder(ctx context.Context, req Request) (string, error) {
	if err := validate(req, p.clock()); err != nil {
		p.metrics.IntakeFailure("invalid")
		return "", err
	}

	quote, err := pricing.Price(req.ServiceType, len(req.Cards), req.Shipping.ShippingMethod)
	if err != nil {
		p.metrics.IntakeFailure("invalid")
		return "", fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if quote.Total != req.AmountPaid {
		p.metrics.IntakeFailure("amount_mismatch")
		p.logger.Warn("intake amount mismatch",
			zap.String("payment_reference", req.PaymentReference),
			zap.Int64("expected", quote.Total),
			zap.Int64("paid", req.AmountPaid),
		)
		return "", &AmountMismatchError{Expected: quote.Total, Paid: req.AmountPaid}
	}

	now := p.clock()
	order := model.Order{
		ID:               p.newID(OrderIDPrefix),
		ServiceType:      req.ServiceType,
		ShippingMethod:   req.Shipping.ShippingMethod,
		CardCount:        len(req.Cards),
		TotalAmount:      req.AmountPaid,
		PaymentStatus:    model.PaymentCompleted,
		PaymentReference: strings.TrimSpace(req.PaymentReference),
		CreatedAt:        now,
	}

	customer := normalizeCustomer(req.Shipping.Customer)
	records := make([]model.GradingRecord, 0, len(req.Cards))
	for _, c := range req.Cards {
		records = append(records, model.GradingRecord{
			ID:             p.newID(RecordIDPrefix),
			OrderID:        order.ID,
			CardName:       strings.TrimSpace(c.CardName),
			Year:           c.Year,
			SetName:        strings.TrimSpace(c.SetName),
			CardNumber:     strings.TrimSpace(c.CardNumber),
			Variant:        strings.TrimSpace(c.Variant),
			Customer:       customer,
			ServiceType:    req.ServiceType,
			ShippingMethod: req.Shipping.ShippingMethod,
			Status:         model.StatusPending,
			CreatedAt:      now,
		})
	}

	created, err := p.store.InsertOrder(ctx, order, records)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicatePayment) {
			p.metrics.IntakeFailure("duplicate_payment")
			return "", fmt.Errorf("%w: %s", ErrDuplicatePayment, order.PaymentReference)
		}
		if created > 0 || errors.Is(err, repository.ErrIncompleteRollback) {
			return "", p.partialFailure(ctx, order, created, len(records), err)
		}
		p.metrics.IntakeFailure("store")
		return "", fmt.Errorf("persist order: %w", err)
	}

	p.metrics.OrderCreated(len(records))
	p.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("service_type", string(order.ServiceType)),
		zap.Int("cards", len(records)),
		zap.Int64("amount", order.TotalAmount),
	)
	return order.ID, nil
}

func (p *Pipeline) partialFailure(ctx context.Context, order model.Order, created, requested int, cause error) error {
	p.metrics.IntakeFailure("partial")
	note := fmt.Sprintf("intake persisted %d of %d records: %v", created, requested, cause)

	fields := []zap.Field{
		zap.String("order_id", order.ID),
		zap.String("payment_reference", order.PaymentReference),
		zap.Int("created", created),
		zap.Int("requested", requested),
		zap.Error(cause),
	}
	// The request context may be the reason the write failed.
	flagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flagTimeout)
	defer cancel()
	if err := p.store.FlagOrder(flagCtx, order.ID, note); err != nil {
		fields = append(fields, zap.NamedError("flag_error", err))
	}
	p.logger.Error("partial intake failure", fields...)

	return &PartialIntakeError{OrderID: order.ID, Created: created, Requested: requested, Err: cause}
}

func validate(req Request, now time.Time) error {
	var problems []string

	if !req.ServiceType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown service type %q", req.ServiceType))
	}
	if !req.Shipping.ShippingMethod.Valid() {
		problems = append(problems, fmt.Sprintf("unknown shipping method %q", req.Shipping.ShippingMethod))
	}
	if strings.TrimSpace(req.PaymentReference) == "" {
		problems = append(problems, "payment reference is required")
	}
	if len(req.Cards) == 0 {
		problems = append(problems, "at least one card is required")
	}
	if len(req.Cards) > MaxCardsPerOrder {
		problems = append(problems, fmt.Sprintf("at most %d cards per order", MaxCardsPerOrder))
	}
	for i, c := range req.Cards {
		if strings.TrimSpace(c.CardName) == "" {
			problems = append(problems, fmt.Sprintf("card %d: name is required", i+1))
		}
		if strings.TrimSpace(c.SetName) == "" {
			problems = append(problems, fmt.Sprintf("card %d: set is required", i+1))
		}
		if c.Year < minCardYear || c.Year > now.Year()+1 {
			problems = append(problems, fmt.Sprintf("card %d: year %d out of range", i+1, c.Year))
		}
	}

	cust := req.Shipping.Customer
	if strings.TrimSpace(cust.Name) == "" {
		problems = append(problems, "customer name is required")
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(cust.Email)); err != nil {
		problems = append(problems, "customer email is invalid")
	}
	addr := cust.Address
	if strings.TrimSpace(addr.Line1) == "" || strings.TrimSpace(addr.City) == "" ||
		strings.TrimSpace(addr.PostalCode) == "" || strings.TrimSpace(addr.Country) == "" {
		problems = append(problems, "shipping address is incomplete")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOrder, strings.Join(problems, "; "))
	}
	return nil
}

func normalizeCustomer(c model.Customer) model.Customer {
	return model.Customer{
		Name:  strings.TrimSpace(c.Name),
		Email: strings.TrimSpace(c.Email),
		Phone: strings.TrimSpace(c.Phone),
		Address: model.Address{
			Line1:      strings.TrimSpace(c.Address.Line1),
			City:       strings.TrimSpace(c.Address.City),
			PostalCode: strings.TrimSpace(c.Address.PostalCode),
			Province:   strings.TrimSpace(c.Address.Province),
			Country:    strings.TrimSpace(c.Address.Country),
		},
	}
}
