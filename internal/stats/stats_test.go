package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"card-grading-service/internal/model"
)

var now = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func rec(id string, st model.Status, svc model.ServiceType, created time.Time) model.GradingRecord {
	return model.GradingRecord{ID: id, Status: st, ServiceType: svc, CreatedAt: created}
}

func completed(id string, created time.Time, took time.Duration) model.GradingRecord {
	r := rec(id, model.StatusCompleted, model.ServiceStandard, created)
	at := created.Add(took)
	r.GradedAt = &at
	return r
}

func TestComputeStatsEmpty(t *testing.T) {
	s := ComputeStats(nil, nil, nil, now)

	assert.Zero(t, s.TotalOrders)
	assert.Zero(t, s.TotalRevenue)
	assert.Nil(t, s.AverageCompletionTime, "no completions must not report a zero average")
	for _, st := range model.AllStatuses {
		assert.Contains(t, s.OrdersByStatus, st)
	}
}

func TestComputeStatsNoCompletedRecords(t *testing.T) {
	records := []model.GradingRecord{
		rec("a", model.StatusPending, model.ServiceStandard, now),
		rec("b", model.StatusQueued, model.ServiceExpress, now),
	}
	s := ComputeStats(records, nil, nil, now)
	assert.Nil(t, s.AverageCompletionTime)
	assert.Equal(t, 0, s.CompletedCount)
}

func TestComputeStats(t *testing.T) {
	lastMonth := time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC)
	records := []model.GradingRecord{
		rec("a", model.StatusPending, model.ServiceStandard, now.Add(-time.Hour)),
		rec("b", model.StatusQueued, model.ServiceExpress, now.Add(-2*time.Hour)),
		rec("c", model.StatusInProgress, model.ServicePremium, lastMonth),
		rec("d", model.StatusRejected, model.ServicePremium, lastMonth),
		completed("e", lastMonth, 48*time.Hour),
		completed("f", time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), 24*time.Hour),
	}

	s := ComputeStats(records, nil, nil, now)

	assert.Equal(t, 6, s.TotalOrders)
	assert.Equal(t, map[model.Status]int{
		model.StatusPending:    1,
		model.StatusQueued:     1,
		model.StatusInProgress: 1,
		model.StatusCompleted:  2,
		model.StatusRejected:   1,
	}, s.OrdersByStatus)
	// 2500 + 5000 + 10000 + 2500 + 2500, rejected premium excluded;
	// without orders both figures are list prices
	assert.Equal(t, int64(22500), s.TotalRevenue)
	assert.Equal(t, int64(22500), s.GradingRevenue)
	assert.Equal(t, 3, s.OrdersThisMonth)
	assert.Equal(t, 2, s.CompletedCount)
	require.NotNil(t, s.AverageCompletionTime)
	assert.Equal(t, 36*time.Hour, *s.AverageCompletionTime)
}

func TestComputeStatsFallsBackToHistory(t *testing.T) {
	created := now.Add(-10 * time.Hour)
	r := rec("a", model.StatusCompleted, model.ServiceStandard, created)
	history := []model.HistoryEvent{
		{RecordID: "a", Status: model.StatusQueued, ChangedAt: created.Add(time.Hour)},
		{RecordID: "a", Status: model.StatusCompleted, ChangedAt: created.Add(4 * time.Hour)},
	}

	s := ComputeStats([]model.GradingRecord{r}, history, nil, now)
	require.NotNil(t, s.AverageCompletionTime)
	assert.Equal(t, 4*time.Hour, *s.AverageCompletionTime)
}

func TestComputeStatsDoesNotMutateInput(t *testing.T) {
	records := []model.GradingRecord{completed("a", now.Add(-time.Hour), time.Minute)}
	before := records[0]
	_ = ComputeStats(records, nil, nil, now)
	assert.Equal(t, before, records[0])
}

func TestComputeStatsRevenueIncludesShipping(t *testing.T) {
	orderRec := func(id, orderID string, st model.Status) model.GradingRecord {
		r := rec(id, st, model.ServiceExpress, now.Add(-time.Hour))
		r.OrderID = orderID
		return r
	}
	records := []model.GradingRecord{
		// two express cards, one rejected
		orderRec("a1", "ord_a", model.StatusQueued),
		orderRec("a2", "ord_a", model.StatusRejected),
		// every card rejected: shipping is refunded too
		orderRec("b1", "ord_b", model.StatusRejected),
		// order row unknown
		orderRec("c1", "ord_c", model.StatusPending),
	}
	orders := []model.Order{
		{ID: "ord_a", TotalAmount: 2*5000 + 2500},
		{ID: "ord_b", TotalAmount: 5000 + 1000},
	}

	s := ComputeStats(records, nil, orders, now)
	// ord_a paid 12500 less 5000 for the rejected card, plus c1 at list
	assert.Equal(t, int64(7500+5000), s.TotalRevenue)
	assert.Equal(t, int64(10000), s.GradingRevenue)
}
