package models

import "fmt"

// OrderAction is the strategy-facing order intent. It folds the CTP
// direction and offset pair into the four moves a futures strategy actually
// makes.
type OrderAction string

const (
	OpenLong   OrderAction = "open_long"
	OpenShort  OrderAction = "open_short"
	CloseLong  OrderAction = "close_long"
	CloseShort OrderAction = "close_short"
)

// CTP direction and offset flag values used on the wire.
const (
	DirectionBuy  = "0"
	DirectionSell = "1"

	OffsetOpen       = "0"
	OffsetClose      = "1"
	OffsetCloseToday = "3"

	PosiDirectionLong  = "2"
	PosiDirectionShort = "3"
)

// Order status values on order return pushes. Anything but canceled counts
// as an accepted order; fills are reported separately by trade returns.
const (
	OrderStatusAllTraded  = "0"
	OrderStatusPartTraded = "1"
	OrderStatusNoTrade    = "3"
	OrderStatusCanceled   = "5"
)

// CTPFlags resolves an action to the wire direction and offset flag.
// closeToday only matters for the closing actions, on exchanges that
// distinguish closing today's lots from closing history lots.
func (a OrderAction) CTPFlags(closeToday bool) (direction, offset string, err error) {
	offsetClose := OffsetClose
	if closeToday {
		offsetClose = OffsetCloseToday
	}

	switch a {
	case OpenLong:
		return DirectionBuy, OffsetOpen, nil
	case OpenShort:
		return DirectionSell, OffsetOpen, nil
	case CloseLong:
		return DirectionSell, offsetClose, nil
	case CloseShort:
		return DirectionBuy, offsetClose, nil
	default:
		return "", "", fmt.Errorf("unknown order action %q", a)
	}
}

// IsClose reports whether the action reduces an existing position.
func (a OrderAction) IsClose() bool {
	return a == CloseLong || a == CloseShort
}

// OrderRequest is one strategy-level order. Volume is in lots, Price is the
// limit price.
type OrderRequest struct {
	InstrumentID string      `json:"instrument_id"`
	Action       OrderAction `json:"action"`
	Volume       int         `json:"volume"`
	Price        float64     `json:"price"`
}

// Validate checks the request fields that local code can refuse without
// asking the gateway.
func (r OrderRequest) Validate() error {
	if r.InstrumentID == "" {
		return fmt.Errorf("instrument id is empty")
	}
	if r.Volume <= 0 {
		return fmt.Errorf("order volume must be positive, got %d", r.Volume)
	}
	if r.Price <= 0 {
		return fmt.Errorf("order price must be positive, got %v", r.Price)
	}
	if _, _, err := r.Action.CTPFlags(false); err != nil {
		return err
	}
	return nil
}

// OrderResult is the synchronous outcome of one order submission. A
// rejection is a normal outcome: Success is false and ErrorID/ErrorMsg carry
// the gateway's reason.
type OrderResult struct {
	Success  bool   `json:"success"`
	OrderRef string `json:"order_ref,omitempty"`
	ErrorID  int    `json:"error_id,omitempty"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

// TradeEvent is one trade-related push flowing through the plugin chain:
// an order acknowledgment, an order status change or a fill. Exactly one of
// Order and Trade is set except for plain response headers, which carry only
// RspInfo.
type TradeEvent struct {
	Kind    MsgType  `json:"kind"`
	Order   *Order   `json:"order,omitempty"`
	Trade   *Trade   `json:"trade,omitempty"`
	RspInfo *RspInfo `json:"rsp_info,omitempty"`
}

// InstrumentID returns the instrument the event refers to, if any.
func (e TradeEvent) InstrumentID() string {
	switch {
	case e.Trade != nil:
		return e.Trade.InstrumentID
	case e.Order != nil:
		return e.Order.InstrumentID
	default:
		return ""
	}
}

// OrderRef returns the order reference the event refers to, if any.
func (e TradeEvent) OrderRef() string {
	switch {
	case e.Trade != nil:
		return e.Trade.OrderRef
	case e.Order != nil:
		return e.Order.OrderRef
	default:
		return ""
	}
}
