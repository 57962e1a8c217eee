package repository

import (
	"errors"

	"card-grading-service/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means another writer committed first.
	ErrVersionConflict = errors.New("record was modified concurrently")
	// ErrDuplicateCertificate means the certificate code is already taken.
	ErrDuplicateCertificate = errors.New("certificate code already in use")
	// ErrDuplicatePayment means an order already exists for the payment reference.
	ErrDuplicatePayment = errors.New("payment reference already used")
	// ErrIncompleteRollback means a failed intake left the order behind and
	// it must be reconciled by hand.
	ErrIncompleteRollback = errors.New("failed intake could not be rolled back")
)

// RecordFilter narrows ListRecords. Zero values match everything.
type RecordFilter struct {
	Status  model.Status
	OrderID string
}

func (f RecordFilter) match(r model.GradingRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.OrderID != "" && r.OrderID != f.OrderID {
		return false
	}
	return true
}

func cloneRecord(r model.GradingRecord) model.GradingRecord {
	out := r
	if r.GradingDetails != nil {
		d := *r.GradingDetails
		out.GradingDetails = &d
	}
	if r.GradedAt != nil {
		t := *r.GradedAt
		out.GradedAt = &t
	}
	return out
}
