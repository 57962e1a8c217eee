// Package lifecycle holds the grading state machine. It is pure: it takes a
// record and a requested transition and returns the next record state plus
// the history event to append. Persisting both is the caller's job.
package lifecycle

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"card-grading-service/internal/certcode"
	"card-grading-service/internal/model"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrGraderRequired    = errors.New("grader identity is required")
	ErrIncompleteGrading = errors.New("grading is incomplete")
	ErrInvalidCode       = errors.New("invalid certificate code")
)

// IllegalTransitionError names the current and requested states.
type IllegalTransitionError struct {
	From model.Status
	To   model.Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition from %s to %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

var transitions = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusQueued, model.StatusRejected},
	model.StatusQueued:     {model.StatusInProgress, model.StatusRejected},
	model.StatusInProgress: {model.StatusCompleted, model.StatusRejected},
}

// Allowed reports whether the table has an edge from -> to.
func Allowed(from, to model.Status) bool {
	return slices.Contains(transitions[from], to)
}

// NextStates returns the states reachable from s in one step.
func NextStates(s model.Status) []model.Status {
	return slices.Clone(transitions[s])
}

// Completion is what the grader submits when finalizing. Sub-scores are
// pointers so a missing score can be told apart from a zero.
type Completion struct {
	Centering     *float64
	Surfaces      *float64
	Edges         *float64
	Corners       *float64
	FinalGrade    model.Grade
	FrontImageURL string
	BackImageURL  string
}

// Transition is one requested move.
type Transition struct {
	To    model.Status
	Actor model.Actor
	Notes string

	// CertificateCode must be set when the record leaves pending for queued.
	CertificateCode string
	// Completion must be set when the target is completed.
	Completion *Completion
}

type Outcome struct {
	Record model.GradingRecord
	// Event is nil when NoOp is true.
	Event *model.HistoryEvent
	// NoOp means the record was already in the requested state.
	NoOp bool
}

type Engine struct {
	clock func() time.Time
	newID func() string
}

func NewEngine(clock func() time.Time, newID func() string) *Engine {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = func() string { return "" }
	}
	return &Engine{
		clock: func() time.Time { return clock().UTC() },
		newID: newID,
	}
}

// Apply validates t against the transition table and the target state's
// preconditions. Re-requesting the current state succeeds as a no-op. On
// error the returned record is the unchanged input.
func (e *Engine) Apply(rec model.GradingRecord, t Transition) (Outcome, error) {
	if !t.To.Valid() {
		return Outcome{Record: rec}, &IllegalTransitionError{From: rec.Status, To: t.To}
	}
	if rec.Status == t.To {
		return Outcome{Record: rec, NoOp: true}, nil
	}
	if !Allowed(rec.Status, t.To) {
		return Outcome{Record: rec}, &IllegalTransitionError{From: rec.Status, To: t.To}
	}

	next := rec
	now := e.clock()

	switch t.To {
	case model.StatusQueued:
		if next.CertificateCode == "" {
			if !certcode.Valid(t.CertificateCode) {
				return Outcome{Record: rec}, fmt.Errorf("%w: %q", ErrInvalidCode, t.CertificateCode)
			}
			next.CertificateCode = t.CertificateCode
		}
	case model.StatusInProgress:
		if strings.TrimSpace(t.Actor.ID) == "" {
			return Outcome{Record: rec}, ErrGraderRequired
		}
	case model.StatusCompleted:
		if strings.TrimSpace(t.Actor.ID) == "" {
			return Outcome{Record: rec}, ErrGraderRequired
		}
		details, err := validateCompletion(t.Completion)
		if err != nil {
			return Outcome{Record: rec}, err
		}
		next.GradingDetails = &details
		next.FrontImageURL = strings.TrimSpace(t.Completion.FrontImageURL)
		next.BackImageURL = strings.TrimSpace(t.Completion.BackImageURL)
		gradedAt := now
		next.GradedAt = &gradedAt
		next.GradedBy = t.Actor.ID
	}
	next.Status = t.To

	if err := next.Validate(); err != nil {
		return Outcome{Record: rec}, err
	}

	event := &model.HistoryEvent{
		ID:        e.newID(),
		RecordID:  rec.ID,
		Status:    t.To,
		ChangedAt: now,
		ChangedBy: t.Actor.ID,
		Notes:     strings.TrimSpace(t.Notes),
	}
	return Outcome{Record: next, Event: event}, nil
}

func validateCompletion(c *Completion) (model.GradingDetails, error) {
	if c == nil {
		return model.GradingDetails{}, fmt.Errorf("%w: no grading submitted", ErrIncompleteGrading)
	}
	scores := []struct {
		name  string
		value *float64
	}{
		{"centering", c.Centering},
		{"surfaces", c.Surfaces},
		{"edges", c.Edges},
		{"corners", c.Corners},
	}
	for _, s := range scores {
		if s.value == nil {
			return model.GradingDetails{}, fmt.Errorf("%w: %s score is missing", ErrIncompleteGrading, s.name)
		}
		if math.IsNaN(*s.value) || *s.value < 0 || *s.value > model.MaxSubScore {
			return model.GradingDetails{}, fmt.Errorf("%w: %s score %.2f out of range [0, %.1f]",
				ErrIncompleteGrading, s.name, *s.value, model.MaxSubScore)
		}
	}
	if !c.FinalGrade.Valid() {
		return model.GradingDetails{}, fmt.Errorf("%w: final grade %q is not on the scale", ErrIncompleteGrading, c.FinalGrade)
	}
	if strings.TrimSpace(c.FrontImageURL) == "" || strings.TrimSpace(c.BackImageURL) == "" {
		return model.GradingDetails{}, fmt.Errorf("%w: front and back images are required", ErrIncompleteGrading)
	}
	return model.GradingDetails{
		Centering:  *c.Centering,
		Surfaces:   *c.Surfaces,
		Edges:      *c.Edges,
		Corners:    *c.Corners,
		FinalGrade: c.FinalGrade,
	}, nil
}
