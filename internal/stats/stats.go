// Package stats derives operational metrics from the record set. It only
// reads its inputs and is cheap enough to run per request.
package stats

import (
	"time"

	"card-grading-service/internal/model"
	"card-grading-service/internal/pricing"
)

type Stats struct {
	TotalOrders    int
	OrdersByStatus map[model.Status]int
	// TotalRevenue is what customers paid, shipping included, less the
	// service price of rejected cards.
	TotalRevenue int64
	// GradingRevenue is the service price of every card not rejected.
	GradingRevenue  int64
	OrdersThisMonth int
	CompletedCount  int
	// AverageCompletionTime is nil when nothing has been completed yet.
	AverageCompletionTime *time.Duration
}

// ComputeStats summarizes records as of now. An order whose cards were all
// rejected contributes no revenue; a record whose order is not in orders
// contributes its service price. A completed record without graded_at falls
// back to the time of its completed history event.
func ComputeStats(records []model.GradingRecord, history []model.HistoryEvent, orders []model.Order, now time.Time) Stats {
	s := Stats{
		TotalOrders:    len(records),
		OrdersByStatus: make(map[model.Status]int, len(model.AllStatuses)),
	}
	for _, st := range model.AllStatuses {
		s.OrdersByStatus[st] = 0
	}

	completedAt := lastCompletion(history)
	now = now.UTC()
	year, month, _ := now.Date()

	known := make(map[string]bool, len(orders))
	for _, o := range orders {
		known[o.ID] = true
	}
	refunded := make(map[string]int64)
	live := make(map[string]bool)

	var (
		total     time.Duration
		completed int
	)
	for _, r := range records {
		s.OrdersByStatus[r.Status]++

		price := pricing.CardPrice(r.ServiceType)
		if r.Status == model.StatusRejected {
			refunded[r.OrderID] += price
		} else {
			s.GradingRevenue += price
			live[r.OrderID] = true
			if !known[r.OrderID] {
				s.TotalRevenue += price
			}
		}

		cy, cm, _ := r.CreatedAt.UTC().Date()
		if cy == year && cm == month {
			s.OrdersThisMonth++
		}

		if r.Status != model.StatusCompleted {
			continue
		}
		var end time.Time
		switch {
		case r.GradedAt != nil:
			end = *r.GradedAt
		case !completedAt[r.ID].IsZero():
			end = completedAt[r.ID]
		default:
			continue
		}
		total += end.Sub(r.CreatedAt)
		completed++
	}

	for _, o := range orders {
		if live[o.ID] {
			s.TotalRevenue += o.TotalAmount - refunded[o.ID]
		}
	}

	s.CompletedCount = completed
	if completed > 0 {
		avg := total / time.Duration(completed)
		s.AverageCompletionTime = &avg
	}
	return s
}

func lastCompletion(history []model.HistoryEvent) map[string]time.Time {
	out := make(map[string]time.Time)
	for _, ev := range history {
		if ev.Status != model.StatusCompleted {
			continue
		}
		if ev.ChangedAt.After(out[ev.RecordID]) {
			out[ev.RecordID] = ev.ChangedAt
		}
	}
	return out
}
