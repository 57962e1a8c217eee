// Package pricing is the price function intake checks payments against.
// Amounts are in cents.
package pricing

import (
	"fmt"

	"card-grading-service/internal/model"
)

var servicePrices = map[model.ServiceType]int64{
	model.ServiceStandard: 2500,
	model.ServiceExpress:  5000,
	model.ServicePremium:  10000,
}

var shippingPrices = map[model.ShippingMethod]int64{
	model.ShippingStandard:      1000,
	model.ShippingExpress:       2500,
	model.ShippingInternational: 4500,
}

// Quote is the itemized price of one order.
type Quote struct {
	ServiceType    model.ServiceType    `json:"serviceType"`
	ShippingMethod model.ShippingMethod `json:"shippingMethod"`
	Cards          int                  `json:"cards"`
	PerCard        int64                `json:"perCard"`
	Shipping       int64                `json:"shipping"`
	Total          int64                `json:"total"`
}

// CardPrice is the grading fee for one card of the given service.
func CardPrice(s model.ServiceType) int64 {
	return servicePrices[s]
}

// Price returns the total for cards cards. Shipping is charged once per order.
func Price(s model.ServiceType, cards int, m model.ShippingMethod) (Quote, error) {
	perCard, ok := servicePrices[s]
	if !ok {
		return Quote{}, fmt.Errorf("no price for service type %q", s)
	}
	ship, ok := shippingPrices[m]
	if !ok {
		return Quote{}, fmt.Errorf("no price for shipping method %q", m)
	}
	if cards <= 0 {
		return Quote{}, fmt.Errorf("card count must be positive, got %d", cards)
	}
	return Quote{
		ServiceType:    s,
		ShippingMethod: m,
		Cards:          cards,
		PerCard:        perCard,
		Shipping:       ship,
		Total:          perCard*int64(cards) + ship,
	}, nil
}
