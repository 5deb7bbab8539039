package stream

import (
	"bytes"
	"encoding/json"
)

// flexString mirrors internal/upstream's handling of the venue's
// inconsistent string-or-number JSON encoding for size/price fields; the
// WebSocket activity feed carries the same trade shape as the HTTP
// endpoint and hits the same issue.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// activityEnvelope is peeked first to route a message to its handler
// without committing to a full struct decode, the same two-pass approach
// the teacher's WSFeed.dispatchMessage uses for its event_type field.
type activityEnvelope struct {
	Type string `json:"type"`
}

// wsTradeEvent is the WebSocket shape of a `trades` topic message — the
// same fields as upstream's HTTP trade object, plus the wallet.
type wsTradeEvent struct {
	TransactionHash string     `json:"transactionHash"`
	ConditionID     string     `json:"conditionId"`
	Slug            string     `json:"slug"`
	EventSlug       string     `json:"eventSlug"`
	Title           string     `json:"title"`
	Side            string     `json:"side"`
	Outcome         string     `json:"outcome"`
	OutcomeIndex    int        `json:"outcomeIndex"`
	Size            flexString `json:"size"`
	Price           flexString `json:"price"`
	Timestamp       float64    `json:"timestamp"`
	ProxyWallet     string     `json:"proxyWallet"`
}

// wsMakerOrder is one entry of an orders_matched event's makerOrders array.
type wsMakerOrder struct {
	OrderID string `json:"orderId"`
}

// wsOrdersMatchedEvent is the WebSocket shape of an `orders_matched` topic
// message (spec.md §6): either a single taker/maker pair or a maker-orders
// array, never both populated in practice but both are accepted.
type wsOrdersMatchedEvent struct {
	TakerOrderID string         `json:"takerOrderId"`
	MakerOrderID string         `json:"makerOrderId"`
	MakerOrders  []wsMakerOrder `json:"makerOrders"`
}

func (e wsOrdersMatchedEvent) orderIDs() []string {
	var ids []string
	if e.TakerOrderID != "" {
		ids = append(ids, e.TakerOrderID)
	}
	if e.MakerOrderID != "" {
		ids = append(ids, e.MakerOrderID)
	}
	for _, m := range e.MakerOrders {
		if m.OrderID != "" {
			ids = append(ids, m.OrderID)
		}
	}
	return ids
}
