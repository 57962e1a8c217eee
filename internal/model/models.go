// models.go
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a grading record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusQueued,
	StatusInProgress,
	StatusCompleted,
	StatusRejected,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusInProgress, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

type ServiceType string

const (
	ServiceStandard ServiceType = "standard"
	ServiceExpress  ServiceType = "express"
	ServicePremium  ServiceType = "premium"
)

func (s ServiceType) Valid() bool {
	return s == ServiceStandard || s == ServiceExpress || s == ServicePremium
}

func ParseServiceType(v string) (ServiceType, error) {
	s := ServiceType(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown service type %q", v)
	}
	return s, nil
}

type ShippingMethod string

const (
	ShippingStandard      ShippingMethod = "standard"
	ShippingExpress       ShippingMethod = "express"
	ShippingInternational ShippingMethod = "international"
)

func (m ShippingMethod) Valid() bool {
	return m == ShippingStandard || m == ShippingExpress || m == ShippingInternational
}

func ParseShippingMethod(v string) (ShippingMethod, error) {
	m := ShippingMethod(strings.ToLower(strings.TrimSpace(v)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown shipping method %q", v)
	}
	return m, nil
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type Address struct {
	Line1      string `bson:"line1" json:"line1"`
	City       string `bson:"city" json:"city"`
	PostalCode string `bson:"postal_code" json:"postalCode"`
	Province   string `bson:"province" json:"province"`
	Country    string `bson:"country" json:"country"`
}

// Customer is captured at intake and never changes afterwards.
type Customer struct {
	Name    string  `bson:"name" json:"name"`
	Email   string  `bson:"email" json:"email"`
	Phone   string  `bson:"phone" json:"phone"`
	Address Address `bson:"address" json:"address"`
}

// GradingDetails holds the inspection result. FinalGrade is chosen by the
// grader and is not derived from the sub-scores.
type GradingDetails struct {
	Centering  float64 `bson:"centering" json:"centering"`
	Surfaces   float64 `bson:"surfaces" json:"surfaces"`
	Edges      float64 `bson:"edges" json:"edges"`
	Corners    float64 `bson:"corners" json:"corners"`
	FinalGrade Grade   `bson:"final_grade" json:"finalGrade"`
}

type GradingRecord struct {
	ID              string `bson:"_id" json:"id"`
	OrderID         string `bson:"order_id" json:"orderId"`
	CertificateCode string `bson:"certificate_code,omitempty" json:"certificateCode,omitempty"`

	CardName   string `bson:"card_name" json:"cardName"`
	Year       int    `bson:"year" json:"year"`
	SetName    string `bson:"set_name" json:"setName"`
	CardNumber string `bson:"card_number,omitempty" json:"cardNumber,omitempty"`
	Variant    string `bson:"variant,omitempty" json:"variant,omitempty"`

	Customer       Customer       `bson:"customer" json:"customer"`
	ServiceType    ServiceType    `bson:"service_type" json:"serviceType"`
	ShippingMethod ShippingMethod `bson:"shipping_method" json:"shippingMethod"`

	Status         Status          `bson:"status" json:"status"`
	GradingDetails *GradingDetails `bson:"grading_details,omitempty" json:"gradingDetails,omitempty"`
	FrontImageURL  string          `bson:"front_image_url,omitempty" json:"frontImageUrl,omitempty"`
	BackImageURL   string          `bson:"back_image_url,omitempty" json:"backImageUrl,omitempty"`

	CreatedAt time.Time  `bson:"created_at" json:"createdAt"`
	GradedAt  *time.Time `bson:"graded_at,omitempty" json:"gradedAt,omitempty"`
	GradedBy  string     `bson:"graded_by,omitempty" json:"gradedBy,omitempty"`

	// Version increases on every committed transition and guards
	// concurrent writers.
	Version int64 `bson:"version" json:"version"`
}

var ErrInvalidRecord = errors.New("invalid grading record")

// Validate checks the structural invariants that must hold for any
// persisted record, regardless of how it got there.
func (r GradingRecord) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	if !r.ServiceType.Valid() {
		return fmt.Errorf("%w: unknown service type %q", ErrInvalidRecord, r.ServiceType)
	}
	if !r.ShippingMethod.Valid() {
		return fmt.Errorf("%w: unknown shipping method %q", ErrInvalidRecord, r.ShippingMethod)
	}

	hasDetails := r.GradingDetails != nil
	if hasDetails != (r.FrontImageURL != "") || hasDetails != (r.BackImageURL != "") {
		return fmt.Errorf("%w: grading details and images must be set together", ErrInvalidRecord)
	}
	if hasDetails != (r.Status == StatusCompleted) {
		return fmt.Errorf("%w: grading details present only on completed records", ErrInvalidRecord)
	}
	if (r.GradedAt != nil) != (r.Status == StatusCompleted) {
		return fmt.Errorf("%w: graded_at present only on completed records", ErrInvalidRecord)
	}

	switch r.Status {
	case StatusPending:
		if r.CertificateCode != "" {
			return fmt.Errorf("%w: pending record already has a certificate code", ErrInvalidRecord)
		}
	case StatusQueued, StatusInProgress, StatusCompleted:
		if r.CertificateCode == "" {
			return fmt.Errorf("%w: %s record has no certificate code", ErrInvalidRecord, r.Status)
		}
	}
	return nil
}

// PublicCertificate is what anonymous verification callers get to see.
// It deliberately has no customer fields.
type PublicCertificate struct {
	CertificateCode string          `json:"certificateCode"`
	CardName        string          `json:"cardName"`
	Year            int             `json:"year"`
	SetName         string          `json:"setName"`
	CardNumber      string          `json:"cardNumber,omitempty"`
	Variant         string          `json:"variant,omitempty"`
	ServiceType     ServiceType     `json:"serviceType"`
	Status          Status          `json:"status"`
	GradingDetails  *GradingDetails `json:"gradingDetails,omitempty"`
	FrontImageURL   string          `json:"frontImageUrl,omitempty"`
	BackImageURL    string          `json:"backImageUrl,omitempty"`
	GradedAt        *time.Time      `json:"gradedAt,omitempty"`
}

func (r GradingRecord) Public() PublicCertificate {
	p := PublicCertificate{
		CertificateCode: r.CertificateCode,
		CardName:        r.CardName,
		Year:            r.Year,
		SetName:         r.SetName,
		CardNumber:      r.CardNumber,
		Variant:         r.Variant,
		ServiceType:     r.ServiceType,
		Status:          r.Status,
		FrontImageURL:   r.FrontImageURL,
		BackImageURL:    r.BackImageURL,
	}
	if r.GradingDetails != nil {
		d := *r.GradingDetails
		p.GradingDetails = &d
	}
	if r.GradedAt != nil {
		t := *r.GradedAt
		p.GradedAt = &t
	}
	return p
}

// HistoryEvent is an append-only record of one status change.
type HistoryEvent struct {
	ID        string    `bson:"id" json:"id"`
	RecordID  string    `bson:"record_id" json:"recordId"`
	Status    Status    `bson:"status" json:"status"`
	ChangedAt time.Time `bson:"changed_at" json:"changedAt"`
	ChangedBy string    `bson:"changed_by,omitempty" json:"changedBy,omitempty"`
	Notes     string    `bson:"notes,omitempty" json:"notes,omitempty"`
}

// Order groups the records created from a single paid checkout.
type Order struct {
	ID               string         `bson:"_id" json:"orderId"`
	ServiceType      ServiceType    `bson:"service_type" json:"serviceType"`
	ShippingMethod   ShippingMethod `bson:"shipping_method" json:"shippingMethod"`
	CardCount        int            `bson:"card_count" json:"cardCount"`
	TotalAmount      int64          `bson:"total_amount" json:"totalAmount"`
	PaymentStatus    PaymentStatus  `bson:"payment_status" json:"paymentStatus"`
	PaymentReference string         `bson:"payment_reference" json:"paymentReference"`

	NeedsReconciliation bool   `bson:"needs_reconciliation" json:"needsReconciliation"`
	ReconciliationNote  string `bson:"reconciliation_note,omitempty" json:"reconciliationNote,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// Actor is the authenticated caller as reported by the identity provider.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}
