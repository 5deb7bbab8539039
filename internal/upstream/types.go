// Package upstream implements the read-only adapter to the public trade,
// position, and market-status endpoints (spec.md §4.5, §6). It wraps a
// resty client with per-request timeouts, the same pattern the teacher's
// exchange.Client used for the Polymarket CLOB API. It does no rate
// limiting or retrying itself; internal/poll applies both around each call.
package upstream

import (
	"bytes"
	"encoding/json"
)

// flexString unmarshals a JSON field the upstream API inconsistently emits
// as either a string or a bare number (the teacher's scanner.go hit the same
// issue with Gamma's "liquidity" field) into a plain string, so downstream
// parsing always goes through one domain.FieldFloat call.
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

// tradeDTO is the raw JSON shape of one upstream trade object
// (spec.md §6, GET /trades).
type tradeDTO struct {
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

// positionDTO is the raw JSON shape of one upstream position object
// (spec.md §6, GET /positions).
type positionDTO struct {
	ConditionID string     `json:"conditionId"`
	Asset       string     `json:"asset"`
	Size        flexString `json:"size"`
	Redeemable  bool       `json:"redeemable"`
}

// marketDTO is the raw JSON shape of one upstream market object
// (spec.md §6, GET /markets/{conditionId}).
type marketDTO struct {
	ConditionID string `json:"conditionId"`
	Closed      bool   `json:"closed"`
	Resolved    bool   `json:"resolved"`
}

func (p positionDTO) marketID() string {
	if p.ConditionID != "" {
		return p.ConditionID
	}
	return p.Asset
}

// marshalRaw re-encodes a DTO to keep the original upstream payload around
// for forensic replay (typed DTOs plus an opaque raw blob).
func marshalRaw(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
