package execution

import (
	"trading-core/internal/domain"
	"trading-core/internal/venue"
)

func venueOrderRequest(o domain.Order, tif domain.TimeInForce, reduceOnly bool) venue.OrderRequest {
	return venue.OrderRequest{
		Symbol:      o.Symbol,
		Side:        o.Side,
		OrderType:   o.OrderType,
		Qty:         o.Qty,
		Price:       o.Price,
		TimeInForce: tif,
		ReduceOnly:  reduceOnly,
		OrderLinkID: o.OrderID,
	}
}
