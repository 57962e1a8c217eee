package lifecycle

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"card-grading-service/internal/model"
)

var fixedNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	n := 0
	return NewEngine(
		func() time.Time { return fixedNow },
		func() string {
			n++
			return fmt.Sprintf("hev_%d", n)
		},
	)
}

func pendingRecord() model.GradingRecord {
	return model.GradingRecord{
		ID:             "grd_1",
		OrderID:        "ord_1",
		CardName:       "Charizard",
		Year:           1999,
		SetName:        "Base Set",
		ServiceType:    model.ServiceStandard,
		ShippingMethod: model.ShippingStandard,
		Status:         model.StatusPending,
		CreatedAt:      fixedNow.Add(-48 * time.Hour),
	}
}

func ptr(v float64) *float64 { return &v }

func fullCompletion() *Completion {
	return &Completion{
		Centering:     ptr(9),
		Surfaces:      ptr(9.5),
		Edges:         ptr(8.5),
		Corners:       ptr(9),
		FinalGrade:    model.Grade9,
		FrontImageURL: "https://img.example/front.jpg",
		BackImageURL:  "https://img.example/back.jpg",
	}
}

var grader = model.Actor{ID: "admin-1", Name: "Ada", Role: "admin"}

func TestAcceptAssignsCertificateCode(t *testing.T) {
	e := newTestEngine()

	out, err := e.Apply(pendingRecord(), Transition{To: model.StatusQueued, Actor: grader, CertificateCode: "12345670"})
	require.NoError(t, err)
	assert.False(t, out.NoOp)
	assert.Equal(t, model.StatusQueued, out.Record.Status)
	assert.Equal(t, "12345670", out.Record.CertificateCode)
	require.NotNil(t, out.Event)
	assert.Equal(t, "grd_1", out.Event.RecordID)
	assert.Equal(t, model.StatusQueued, out.Event.Status)
	assert.Equal(t, fixedNow, out.Event.ChangedAt)
	assert.Equal(t, "admin-1", out.Event.ChangedBy)
}

func TestAcceptRejectsBadCode(t *testing.T) {
	e := newTestEngine()
	rec := pendingRecord()

	for _, code := range []string{"", "1234567", "12345671"} {
		out, err := e.Apply(rec, Transition{To: model.StatusQueued, Actor: grader, CertificateCode: code})
		assert.ErrorIs(t, err, ErrInvalidCode, "code %q", code)
		assert.Equal(t, rec, out.Record)
	}
}

func TestTransitionTable(t *testing.T) {
	legal := map[[2]model.Status]bool{
		{model.StatusPending, model.StatusQueued}:       true,
		{model.StatusPending, model.StatusRejected}:     true,
		{model.StatusQueued, model.StatusInProgress}:    true,
		{model.StatusQueued, model.StatusRejected}:      true,
		{model.StatusInProgress, model.StatusCompleted}: true,
		{model.StatusInProgress, model.StatusRejected}:  true,
	}
	for _, from := range model.AllStatuses {
		for _, to := range model.AllStatuses {
			if from == to {
				continue
			}
			assert.Equal(t, legal[[2]model.Status{from, to}], Allowed(from, to), "%s -> %s", from, to)
		}
	}
	assert.Empty(t, NextStates(model.StatusCompleted))
	assert.Empty(t, NextStates(model.StatusRejected))
}

func TestIllegalTransitionLeavesRecordUnchanged(t *testing.T) {
	e := newTestEngine()
	rec := pendingRecord()

	out, err := e.Apply(rec, Transition{To: model.StatusCompleted, Actor: grader, Completion: fullCompletion()})
	require.ErrorIs(t, err, ErrIllegalTransition)

	var ite *IllegalTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, model.StatusPending, ite.From)
	assert.Equal(t, model.StatusCompleted, ite.To)
	assert.Contains(t, err.Error(), "pending")
	assert.Contains(t, err.Error(), "completed")
	assert.Equal(t, rec, out.Record)
	assert.Nil(t, out.Event)
}

func TestUnknownTargetIsIllegal(t *testing.T) {
	e := newTestEngine()
	_, err := e.Apply(pendingRecord(), Transition{To: model.Status("shipped")})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	e := newTestEngine()
	rec := pendingRecord()
	rec.Status = model.StatusRejected

	for _, to := range []model.Status{model.StatusPending, model.StatusQueued, model.StatusInProgress, model.StatusCompleted} {
		_, err := e.Apply(rec, Transition{To: to, Actor: grader, CertificateCode: "12345670", Completion: fullCompletion()})
		assert.ErrorIs(t, err, ErrIllegalTransition, "rejected -> %s", to)
	}
}

func TestSameStateIsNoOp(t *testing.T) {
	e := newTestEngine()
	out, err := e.Apply(pendingRecord(), Transition{To: model.StatusQueued, Actor: grader, CertificateCode: "12345670"})
	require.NoError(t, err)

	again, err := e.Apply(out.Record, Transition{To: model.StatusQueued, Actor: grader, CertificateCode: "00000017"})
	require.NoError(t, err)
	assert.True(t, again.NoOp)
	assert.Nil(t, again.Event)
	assert.Equal(t, out.Record, again.Record)
	assert.Equal(t, "12345670", again.Record.CertificateCode)
}

func TestStartGradingRequiresGrader(t *testing.T) {
	e := newTestEngine()
	rec := pendingRecord()
	rec.Status = model.StatusQueued
	rec.CertificateCode = "12345670"

	_, err := e.Apply(rec, Transition{To: model.StatusInProgress})
	assert.ErrorIs(t, err, ErrGraderRequired)

	out, err := e.Apply(rec, Transition{To: model.StatusInProgress, Actor: grader})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, out.Record.Status)
	assert.Nil(t, out.Record.GradedAt)
}

func inProgressRecord() model.GradingRecord {
	rec := pendingRecord()
	rec.Status = model.StatusInProgress
	rec.CertificateCode = "12345670"
	return rec
}

func TestCompleteGrading(t *testing.T) {
	e := newTestEngine()

	out, err := e.Apply(inProgressRecord(), Transition{To: model.StatusCompleted, Actor: grader, Completion: fullCompletion()})
	require.NoError(t, err)

	rec := out.Record
	assert.Equal(t, model.StatusCompleted, rec.Status)
	require.NotNil(t, rec.GradedAt)
	assert.Equal(t, fixedNow, *rec.GradedAt)
	assert.Equal(t, "admin-1", rec.GradedBy)
	require.NotNil(t, rec.GradingDetails)
	assert.Equal(t, model.Grade9, rec.GradingDetails.FinalGrade)
	assert.Equal(t, 9.5, rec.GradingDetails.Surfaces)
	assert.Equal(t, "https://img.example/front.jpg", rec.FrontImageURL)
	assert.Equal(t, "https://img.example/back.jpg", rec.BackImageURL)
	assert.NoError(t, rec.Validate())
}

func TestCompleteGradingKeepsChosenGrade(t *testing.T) {
	e := newTestEngine()
	c := fullCompletion()
	// The mean is 9, yet the grader chose 10.
	c.FinalGrade = model.Grade10

	out, err := e.Apply(inProgressRecord(), Transition{To: model.StatusCompleted, Actor: grader, Completion: c})
	require.NoError(t, err)
	assert.Equal(t, model.Grade10, out.Record.GradingDetails.FinalGrade)
}

func TestCompleteGradingValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Completion)
	}{
		{"missing centering", func(c *Completion) { c.Centering = nil }},
		{"missing surfaces", func(c *Completion) { c.Surfaces = nil }},
		{"missing edges", func(c *Completion) { c.Edges = nil }},
		{"missing corners", func(c *Completion) { c.Corners = nil }},
		{"score too high", func(c *Completion) { c.Corners = ptr(10.6) }},
		{"negative score", func(c *Completion) { c.Edges = ptr(-1) }},
		{"NaN score", func(c *Completion) { c.Surfaces = ptr(math.NaN()) }},
		{"infinite score", func(c *Completion) { c.Centering = ptr(math.Inf(1)) }},
		{"grade off scale", func(c *Completion) { c.FinalGrade = model.Grade("7.5") }},
		{"no grade", func(c *Completion) { c.FinalGrade = "" }},
		{"missing front image", func(c *Completion) { c.FrontImageURL = "" }},
		{"missing back image", func(c *Completion) { c.BackImageURL = "  " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine()
			rec := inProgressRecord()
			c := fullCompletion()
			tt.mutate(c)

			out, err := e.Apply(rec, Transition{To: model.StatusCompleted, Actor: grader, Completion: c})
			assert.ErrorIs(t, err, ErrIncompleteGrading)
			assert.Equal(t, rec, out.Record)
			assert.Nil(t, out.Record.GradedAt)
		})
	}

	t.Run("no completion", func(t *testing.T) {
		_, err := newTestEngine().Apply(inProgressRecord(), Transition{To: model.StatusCompleted, Actor: grader})
		assert.ErrorIs(t, err, ErrIncompleteGrading)
	})
	t.Run("no grader", func(t *testing.T) {
		_, err := newTestEngine().Apply(inProgressRecord(), Transition{To: model.StatusCompleted, Completion: fullCompletion()})
		assert.ErrorIs(t, err, ErrGraderRequired)
	})
}

func TestRejectFromAnyNonTerminal(t *testing.T) {
	e := newTestEngine()
	queued := pendingRecord()
	queued.Status = model.StatusQueued
	queued.CertificateCode = "12345670"

	for _, rec := range []model.GradingRecord{pendingRecord(), queued, inProgressRecord()} {
		out, err := e.Apply(rec, Transition{To: model.StatusRejected, Actor: grader, Notes: " damaged "})
		require.NoError(t, err, "from %s", rec.Status)
		assert.Equal(t, model.StatusRejected, out.Record.Status)
		assert.Equal(t, rec.CertificateCode, out.Record.CertificateCode)
		assert.Equal(t, "damaged", out.Event.Notes)
	}
}

// Random request sequences only ever move a record along table edges, and
// every rejected request leaves it where it was.
func TestRandomSequencesFollowTable(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	e := newTestEngine()

	for run := 0; run < 200; run++ {
		rec := pendingRecord()
		path := []model.Status{rec.Status}
		events := 0

		for step := 0; step < 12; step++ {
			to := model.AllStatuses[rng.IntN(len(model.AllStatuses))]
			before := rec
			out, err := e.Apply(rec, Transition{
				To:              to,
				Actor:           grader,
				CertificateCode: "12345670",
				Completion:      fullCompletion(),
			})
			if err != nil {
				require.ErrorIs(t, err, ErrIllegalTransition)
				require.Equal(t, before, out.Record)
				continue
			}
			if out.NoOp {
				require.Equal(t, before, out.Record)
				continue
			}
			require.True(t, Allowed(before.Status, out.Record.Status))
			events++
			rec = out.Record
			path = append(path, rec.Status)
		}
		assert.Equal(t, len(path)-1, events)
		assert.NoError(t, rec.Validate())
	}
}

func TestSuggestGrade(t *testing.T) {
	tests := []struct {
		scores [4]float64
		mean   float64
		grade  model.Grade
	}{
		{[4]float64{9, 9.5, 8.5, 9}, 9, model.Grade9},
		{[4]float64{10, 10, 10, 9}, 9.75, model.Grade9_5},
		{[4]float64{10.5, 10.5, 10.5, 10.5}, 10.5, model.Grade10Plus},
		{[4]float64{8, 7, 7, 7}, 7.25, model.Grade7},
		{[4]float64{0, 0, 0, 0}, 0, model.Grade1},
	}
	for _, tt := range tests {
		s := SuggestGrade(tt.scores[0], tt.scores[1], tt.scores[2], tt.scores[3])
		assert.InDelta(t, tt.mean, s.Mean, 1e-9)
		assert.Equal(t, tt.grade, s.Grade)
	}
}
