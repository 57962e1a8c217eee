// dto.go
package dto

import (
	"fmt"
	"strings"
	"time"

	"card-grading-service/internal/intake"
	"card-grading-service/internal/lifecycle"
	"card-grading-service/internal/model"
	"card-grading-service/internal/stats"
)

// CreateOrderRequest is used by the API and by the payment_confirmed consumer
// to turn a confirmed payment into graded submissions.
type CreateOrderRequest struct {
	ServiceType      string      `json:"serviceType" binding:"required"`
	ShippingMethod   string      `json:"shippingMethod" binding:"required"`
	Cards            []CardDTO   `json:"cards" binding:"required,min=1,dive"`
	Customer         CustomerDTO `json:"customer"`
	AmountPaid       int64       `json:"amountPaid" binding:"required,gt=0"`
	PaymentReference string      `json:"paymentReference" binding:"required"`
}

type CardDTO struct {
	CardName   string `json:"cardName" binding:"required"`
	Year       int    `json:"year" binding:"required"`
	SetName    string `json:"setName" binding:"required"`
	CardNumber string `json:"cardNumber"`
	Variant    string `json:"variant"`
}

type CustomerDTO struct {
	Name    string     `json:"name" binding:"required"`
	Email   string     `json:"email" binding:"required"`
	Phone   string     `json:"phone"`
	Address AddressDTO `json:"address"`
}

// AddressDTO para la dirección de envío
type AddressDTO struct {
	AddressLine1 string `json:"addressLine1"`
	City         string `json:"city"`
	PostalCode   string `json:"postalCode"`
	Province     string `json:"province"`
	Country      string `json:"country"`
}

// ToIntake converts the request. Enum values are passed through as given;
// the pipeline rejects unknown ones.
func (r CreateOrderRequest) ToIntake() intake.Request {
	cards := make([]intake.CardInput, 0, len(r.Cards))
	for _, c := range r.Cards {
		cards = append(cards, intake.CardInput{
			CardName:   c.CardName,
			Year:       c.Year,
			SetName:    c.SetName,
			CardNumber: c.CardNumber,
			Variant:    c.Variant,
		})
	}
	return intake.Request{
		ServiceType: model.ServiceType(strings.ToLower(strings.TrimSpace(r.ServiceType))),
		Cards:       cards,
		Shipping: intake.CustomerInfo{
			Customer: model.Customer{
				Name:  r.Customer.Name,
				Email: r.Customer.Email,
				Phone: r.Customer.Phone,
				Address: model.Address{
					Line1:      r.Customer.Address.AddressLine1,
					City:       r.Customer.Address.City,
					PostalCode: r.Customer.Address.PostalCode,
					Province:   r.Customer.Address.Province,
					Country:    r.Customer.Address.Country,
				},
			},
			ShippingMethod: model.ShippingMethod(strings.ToLower(strings.TrimSpace(r.ShippingMethod))),
		},
		AmountPaid:       r.AmountPaid,
		PaymentReference: r.PaymentReference,
	}
}

type CreateOrderResponse struct {
	OrderID string `json:"orderId"`
}

type TransitionRequest struct {
	Notes string `json:"notes"`
}

// CompleteGradingRequest carries the grader's final submission. Scores are
// pointers so a missing score is not read as 0.
type CompleteGradingRequest struct {
	Centering     *float64 `json:"centering"`
	Surfaces      *float64 `json:"surfaces"`
	Edges         *float64 `json:"edges"`
	Corners       *float64 `json:"corners"`
	FinalGrade    string   `json:"finalGrade"`
	FrontImageURL string   `json:"frontImageUrl"`
	BackImageURL  string   `json:"backImageUrl"`
	Notes         string   `json:"notes"`
}

func (r CompleteGradingRequest) ToCompletion() (lifecycle.Completion, error) {
	grade, err := model.ParseGrade(r.FinalGrade)
	if err != nil {
		return lifecycle.Completion{}, fmt.Errorf("%w: %w", lifecycle.ErrIncompleteGrading, err)
	}
	return lifecycle.Completion{
		Centering:     r.Centering,
		Surfaces:      r.Surfaces,
		Edges:         r.Edges,
		Corners:       r.Corners,
		FinalGrade:    grade,
		FrontImageURL: r.FrontImageURL,
		BackImageURL:  r.BackImageURL,
	}, nil
}

// Suggestion returns the mean-based grade hint when all four scores are set.
func (r CompleteGradingRequest) Suggestion() *lifecycle.Suggestion {
	if r.Centering == nil || r.Surfaces == nil || r.Edges == nil || r.Corners == nil {
		return nil
	}
	s := lifecycle.SuggestGrade(*r.Centering, *r.Surfaces, *r.Edges, *r.Corners)
	return &s
}

type SuggestGradeRequest struct {
	Centering *float64 `json:"centering" binding:"required"`
	Surfaces  *float64 `json:"surfaces" binding:"required"`
	Edges     *float64 `json:"edges" binding:"required"`
	Corners   *float64 `json:"corners" binding:"required"`
}

type CompleteGradingResponse struct {
	Record     model.GradingRecord   `json:"record"`
	Suggestion *lifecycle.Suggestion `json:"suggestion,omitempty"`
}

type StatsResponse struct {
	TotalOrders     int            `json:"totalOrders"`
	OrdersByStatus  map[string]int `json:"ordersByStatus"`
	TotalRevenue    int64          `json:"totalRevenue"`
	GradingRevenue  int64          `json:"gradingRevenue"`
	OrdersThisMonth int            `json:"ordersThisMonth"`
	CompletedCount  int            `json:"completedCount"`
	// AverageCompletionHours is null until something has been completed.
	AverageCompletionHours *float64 `json:"averageCompletionHours"`
}

func NewStatsResponse(s stats.Stats) StatsResponse {
	out := StatsResponse{
		TotalOrders:     s.TotalOrders,
		OrdersByStatus:  make(map[string]int, len(s.OrdersByStatus)),
		TotalRevenue:    s.TotalRevenue,
		GradingRevenue:  s.GradingRevenue,
		OrdersThisMonth: s.OrdersThisMonth,
		CompletedCount:  s.CompletedCount,
	}
	for st, n := range s.OrdersByStatus {
		out.OrdersByStatus[string(st)] = n
	}
	if s.AverageCompletionTime != nil {
		h := s.AverageCompletionTime.Round(time.Second).Hours()
		out.AverageCompletionHours = &h
	}
	return out
}
