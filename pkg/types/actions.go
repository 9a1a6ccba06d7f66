package types

import "github.com/shopspring/decimal"

// ActionType enumerates everything a participant can return from its webhook.
type ActionType string

const (
	// Trading actions.
	ActionBuy         ActionType = "BUY"
	ActionSell        ActionType = "SELL"
	ActionShort       ActionType = "SHORT"
	ActionCover       ActionType = "COVER"
	ActionCancelOrder ActionType = "CANCEL_ORDER"

	// Social / compliance actions.
	ActionRumor       ActionType = "RUMOR"
	ActionMessage     ActionType = "MESSAGE"
	ActionAlly        ActionType = "ALLY"
	ActionAllyAccept  ActionType = "ALLY_ACCEPT"
	ActionAllyReject  ActionType = "ALLY_REJECT"
	ActionBribe       ActionType = "BRIBE"
	ActionWhistleblow ActionType = "WHISTLEBLOW"
	ActionFlee        ActionType = "FLEE"
)

// IsTrading reports whether the action creates or cancels an order.
func (t ActionType) IsTrading() bool {
	switch t {
	case ActionBuy, ActionSell, ActionShort, ActionCover, ActionCancelOrder:
		return true
	}
	return false
}

// OrderSide maps a trading action onto the book side it takes.
// BUY and COVER take the BUY side; SELL and SHORT take the SELL side.
func (t ActionType) OrderSide() (Side, bool) {
	switch t {
	case ActionBuy, ActionCover:
		return BUY, true
	case ActionSell, ActionShort:
		return SELL, true
	}
	return "", false
}

// Action is one entry in the action list a participant returns from its
// webhook. Fields are interpreted per Type; unknown fields are ignored.
type Action struct {
	Type      ActionType       `json:"type"`
	Symbol    string           `json:"symbol,omitempty"`
	Quantity  int64            `json:"quantity,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StopPrice *decimal.Decimal `json:"stopPrice,omitempty"`
	OrderID   string           `json:"orderId,omitempty"`  // CANCEL_ORDER
	TargetID  string           `json:"targetId,omitempty"`  // MESSAGE, ALLY*, BRIBE, WHISTLEBLOW
	Content   string           `json:"content,omitempty"`   // RUMOR, MESSAGE
	Sentiment float64          `json:"sentiment,omitempty"` // RUMOR, clamped to [-1, 1]
	Amount    *decimal.Decimal `json:"amount,omitempty"`    // BRIBE
}

// ActionResult is the per-action outcome reported back to the participant
// in the next tick's payload.
type ActionResult struct {
	Type    ActionType `json:"type"`
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	OrderID string     `json:"orderId,omitempty"`
}

// ActionResponse is the JSON body a participant's webhook returns on 2xx.
type ActionResponse struct {
	Actions []Action `json:"actions,omitempty"`
}
