package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"card-grading-service/internal/certcode"
	"card-grading-service/internal/lifecycle"
	"card-grading-service/internal/model"
	"card-grading-service/internal/observability"
	"card-grading-service/internal/repository"
	"card-grading-service/internal/stats"
)

const (
	historyIDPrefix = "hev_"
	// DefaultCommitRetries bounds reload-and-retry on version conflicts and
	// certificate collisions.
	DefaultCommitRetries = 5
)

// Repository is what the grading service needs from persistence.
type Repository interface {
	GetOrder(ctx context.Context, orderID string) (model.Order, error)
	ListOrders(ctx context.Context) ([]model.Order, error)
	FindOrderByPayment(ctx context.Context, ref string) (model.Order, error)
	GetRecord(ctx context.Context, id string) (model.GradingRecord, error)
	GetRecordByCode(ctx context.Context, code string) (model.GradingRecord, error)
	ListRecords(ctx context.Context, f repository.RecordFilter) ([]model.GradingRecord, error)
	CertificateCodes(ctx context.Context) (map[string]struct{}, error)
	CommitTransition(ctx context.Context, rec model.GradingRecord, expectedVersion int64, event model.HistoryEvent) (model.GradingRecord, error)
	History(ctx context.Context, recordID string) ([]model.HistoryEvent, error)
	AllHistory(ctx context.Context) ([]model.HistoryEvent, error)
}

// Exported business errors, mapped to responses by the controller.
var (
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidCertificate = errors.New("certificate code fails its check digit")
	ErrConcurrentUpdate   = errors.New("record kept changing during update")
)

// StatusChangedEvent is published after every committed transition.
type StatusChangedEvent struct {
	RecordID        string       `json:"recordId"`
	OrderID         string       `json:"orderId"`
	CertificateCode string       `json:"certificateCode,omitempty"`
	PreviousStatus  model.Status `json:"previousStatus"`
	Status          model.Status `json:"status"`
	ChangedBy       string       `json:"changedBy,omitempty"`
	ChangedAt       time.Time    `json:"changedAt"`
}

type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, ev StatusChangedEvent) error
}

type Deps struct {
	Repo          Repository
	Generator     *certcode.Generator
	Authorizer    Authorizer
	Publisher     EventPublisher
	Clock         func() time.Time
	NewID         func(prefix string) string
	CommitRetries int
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

type GradingService struct {
	repo      Repository
	gen       *certcode.Generator
	engine    *lifecycle.Engine
	authz     Authorizer
	publisher EventPublisher
	clock     func() time.Time
	retries   int
	logger    *zap.Logger
	metrics   *observability.Metrics
}

func NewGradingService(d Deps) (*GradingService, error) {
	if d.Repo == nil {
		return nil, errors.New("grading service: repository is required")
	}
	gen := d.Generator
	if gen == nil {
		gen = certcode.NewGenerator(nil, 0)
	}
	authz := d.Authorizer
	if authz == nil {
		authz = RoleAuthorizer{}
	}
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := d.NewID
	if newID == nil {
		newID = func(prefix string) string { return prefix + ulid.Make().String() }
	}
	retries := d.CommitRetries
	if retries <= 0 {
		retries = DefaultCommitRetries
	}
	return &GradingService{
		repo:      d.Repo,
		gen:       gen,
		engine:    lifecycle.NewEngine(clock, func() string { return newID(historyIDPrefix) }),
		authz:     authz,
		publisher: d.Publisher,
		clock:     func() time.Time { return clock().UTC() },
		retries:   retries,
		logger:    observability.OrNop(d.Logger),
		metrics:   d.Metrics,
	}, nil
}

// Accept moves a pending record to queued and issues its certificate code.
func (s *GradingService) Accept(ctx context.Context, recordID string, actor model.Actor, notes string) (model.GradingRecord, error) {
	return s.transition(ctx, recordID, ActionAccept, lifecycle.Transition{
		To: model.StatusQueued, Actor: actor, Notes: notes,
	})
}

func (s *GradingService) Reject(ctx context.Context, recordID string, actor model.Actor, notes string) (model.GradingRecord, error) {
	return s.transition(ctx, recordID, ActionReject, lifecycle.Transition{
		To: model.StatusRejected, Actor: actor, Notes: notes,
	})
}

func (s *GradingService) StartGrading(ctx context.Context, recordID string, actor model.Actor, notes string) (model.GradingRecord, error) {
	return s.transition(ctx, recordID, ActionStartGrading, lifecycle.Transition{
		To: model.StatusInProgress, Actor: actor, Notes: notes,
	})
}

func (s *GradingService) CompleteGrading(ctx context.Context, recordID string, actor model.Actor, c lifecycle.Completion, notes string) (model.GradingRecord, error) {
	return s.transition(ctx, recordID, ActionCompleteGrading, lifecycle.Transition{
		To: model.StatusCompleted, Actor: actor, Notes: notes, Completion: &c,
	})
}

// transition loads, applies and commits t, reloading on version conflicts.
// A retried request that finds the record already in the target state
// returns it unchanged.
func (s *GradingService) transition(ctx context.Context, recordID string, action Action, t lifecycle.Transition) (model.GradingRecord, error) {
	if !s.authz.Authorize(ctx, t.Actor, action) {
		s.metrics.TransitionError("forbidden")
		return model.GradingRecord{}, fmt.Errorf("%w: %s may not %s", ErrForbidden, t.Actor.ID, action)
	}

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		rec, err := s.repo.GetRecord(ctx, recordID)
		if err != nil {
			return model.GradingRecord{}, err
		}

		req := t
		if req.To == model.StatusQueued && rec.Status == model.StatusPending && rec.CertificateCode == "" {
			code, err := s.issueCode(ctx)
			if err != nil {
				return rec, err
			}
			req.CertificateCode = code
		}

		out, err := s.engine.Apply(rec, req)
		if err != nil {
			s.metrics.TransitionError(errorReason(err))
			return rec, err
		}
		if out.NoOp {
			return out.Record, nil
		}

		saved, err := s.repo.CommitTransition(ctx, out.Record, rec.Version, *out.Event)
		switch {
		case err == nil:
			s.committed(ctx, rec, saved, *out.Event)
			return saved, nil
		case errors.Is(err, repository.ErrVersionConflict):
			s.logger.Debug("version conflict, reloading",
				zap.String("record_id", recordID), zap.Int("attempt", attempt+1))
			lastErr = err
		case errors.Is(err, repository.ErrDuplicateCertificate):
			s.metrics.CodeCollision()
			s.logger.Warn("certificate code collision, regenerating",
				zap.String("record_id", recordID), zap.Int("attempt", attempt+1))
			lastErr = err
		default:
			s.metrics.TransitionError("store")
			return rec, fmt.Errorf("commit transition: %w", err)
		}
	}

	if errors.Is(lastErr, repository.ErrDuplicateCertificate) {
		s.metrics.CodeExhausted()
		s.logger.Error("certificate code generation exhausted",
			zap.String("record_id", recordID), zap.Int("attempts", s.retries))
		return model.GradingRecord{}, fmt.Errorf("%w: %d commit attempts collided", certcode.ErrGenerationExhausted, s.retries)
	}
	s.metrics.TransitionError("conflict")
	return model.GradingRecord{}, fmt.Errorf("%w: %w", ErrConcurrentUpdate, lastErr)
}

func (s *GradingService) issueCode(ctx context.Context) (string, error) {
	existing, err := s.repo.CertificateCodes(ctx)
	if err != nil {
		return "", fmt.Errorf("load certificate codes: %w", err)
	}
	code, err := s.gen.Generate(existing)
	if err != nil {
		if errors.Is(err, certcode.ErrGenerationExhausted) {
			s.metrics.CodeExhausted()
			s.logger.Error("certificate code generation exhausted", zap.Int("codes_in_use", len(existing)))
		}
		return "", err
	}
	return code, nil
}

func (s *GradingService) committed(ctx context.Context, before, after model.GradingRecord, ev model.HistoryEvent) {
	s.metrics.Transition(string(after.Status))
	s.logger.Info("status changed",
		zap.String("record_id", after.ID),
		zap.String("order_id", after.OrderID),
		zap.String("from", string(before.Status)),
		zap.String("to", string(after.Status)),
		zap.String("certificate_code", after.CertificateCode),
		zap.String("changed_by", ev.ChangedBy),
	)

	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishStatusChanged(ctx, StatusChangedEvent{
		RecordID:        after.ID,
		OrderID:         after.OrderID,
		CertificateCode: after.CertificateCode,
		PreviousStatus:  before.Status,
		Status:          after.Status,
		ChangedBy:       ev.ChangedBy,
		ChangedAt:       ev.ChangedAt,
	})
	if err != nil {
		s.metrics.EventPublished("error")
		s.logger.Warn("publish status event failed", zap.String("record_id", after.ID), zap.Error(err))
		return
	}
	s.metrics.EventPublished("ok")
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, lifecycle.ErrIncompleteGrading):
		return "incomplete_grading"
	case errors.Is(err, lifecycle.ErrGraderRequired):
		return "grader_required"
	default:
		return "invalid"
	}
}

// Getters

func (s *GradingService) GetRecord(ctx context.Context, id string) (model.GradingRecord, error) {
	return s.repo.GetRecord(ctx, id)
}

func (s *GradingService) ListRecords(ctx context.Context, f repository.RecordFilter) ([]model.GradingRecord, error) {
	return s.repo.ListRecords(ctx, f)
}

func (s *GradingService) History(ctx context.Context, recordID string) ([]model.HistoryEvent, error) {
	return s.repo.History(ctx, recordID)
}

func (s *GradingService) ListOrders(ctx context.Context) ([]model.Order, error) {
	return s.repo.ListOrders(ctx)
}

// OrderDetails is an order with the records created from it.
type OrderDetails struct {
	Order   model.Order           `json:"order"`
	Records []model.GradingRecord `json:"records"`
}

func (s *GradingService) GetOrder(ctx context.Context, orderID string) (OrderDetails, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return OrderDetails{}, err
	}
	return s.withRecords(ctx, o)
}

// OrderByPayment looks an order up by the processor's payment reference.
func (s *GradingService) OrderByPayment(ctx context.Context, ref string) (OrderDetails, error) {
	o, err := s.repo.FindOrderByPayment(ctx, ref)
	if err != nil {
		return OrderDetails{}, err
	}
	return s.withRecords(ctx, o)
}

func (s *GradingService) withRecords(ctx context.Context, o model.Order) (OrderDetails, error) {
	recs, err := s.repo.ListRecords(ctx, repository.RecordFilter{OrderID: o.ID})
	if err != nil {
		return OrderDetails{}, err
	}
	return OrderDetails{Order: o, Records: recs}, nil
}

// Stats recomputes the summary from the current records and orders.
func (s *GradingService) Stats(ctx context.Context) (stats.Stats, error) {
	recs, err := s.repo.ListRecords(ctx, repository.RecordFilter{})
	if err != nil {
		return stats.Stats{}, err
	}
	hist, err := s.repo.AllHistory(ctx)
	if err != nil {
		return stats.Stats{}, err
	}
	orders, err := s.repo.ListOrders(ctx)
	if err != nil {
		return stats.Stats{}, err
	}
	return stats.ComputeStats(recs, hist, orders, s.clock()), nil
}

// Verify returns the public view of the certificate with the given code.
func (s *GradingService) Verify(ctx context.Context, code string) (model.PublicCertificate, error) {
	if !certcode.Valid(code) {
		return model.PublicCertificate{}, ErrInvalidCertificate
	}
	rec, err := s.repo.GetRecordByCode(ctx, code)
	if err != nil {
		return model.PublicCertificate{}, err
	}
	return rec.Public(), nil
}
