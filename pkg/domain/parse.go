package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidWallet is returned by CanonicalWallet for a malformed address.
	ErrInvalidWallet = errors.New("domain: invalid wallet address")
	// ErrMissingField is returned by the Field* parsers when a required
	// upstream field is absent, the "missing" arm of the {value|missing|invalid}
	// parse result — callers decide whether "missing" is fatal for their field.
	ErrMissingField = errors.New("domain: missing field")
)

// ParseError wraps a field name and the underlying conversion failure so
// upstream payload parsing never silently drops a field — it is either a
// concrete value, ErrMissingField, or a wrapped ParseError.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("domain: invalid field %q: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FieldFloat parses a required size/price field. An empty string is
// "missing"; anything else that fails to parse is "invalid". Parsing goes
// through decimal.Decimal rather than strconv.ParseFloat: upstream emits
// these fields as strings with a variable number of decimal places, and
// decimal's parser rejects the stray garbage strconv.ParseFloat silently
// tolerates (hex floats, "Inf", "NaN"). The result is still a plain
// float64 — nothing downstream needs fixed-point arithmetic, only a
// trustworthy parse.
func FieldFloat(field, raw string) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s: %w", field, ErrMissingField)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, &ParseError{Field: field, Err: err}
	}
	v, _ := d.Float64()
	return v, nil
}

// FieldTimestamp parses an upstream timestamp that may be expressed in
// seconds or milliseconds since the epoch (spec.md §6). A value is assumed
// to be milliseconds once it exceeds the year-3000-in-seconds threshold.
func FieldTimestamp(field string, raw float64) (time.Time, error) {
	if raw <= 0 {
		return time.Time{}, fmt.Errorf("%s: %w", field, ErrMissingField)
	}
	const secondsCeiling = 32503680000 // ~ year 3000 in unix seconds
	if raw > secondsCeiling {
		return time.UnixMilli(int64(raw)).UTC(), nil
	}
	return time.Unix(int64(raw), 0).UTC(), nil
}

// FieldOutcome parses an optional outcome string ("YES"/"NO"). Returns nil,
// nil when the upstream payload omitted the field (it is legitimately
// nullable per spec.md §3), and a ParseError for any other value.
func FieldOutcome(field, raw string) (*Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		return nil, nil
	case string(Yes):
		o := Yes
		return &o, nil
	case string(No):
		o := No
		return &o, nil
	default:
		return nil, &ParseError{Field: field, Err: fmt.Errorf("unrecognized outcome %q", raw)}
	}
}

// FieldSide parses a required side string ("BUY"/"SELL").
func FieldSide(field, raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(Buy):
		return Buy, nil
	case string(Sell):
		return Sell, nil
	case "":
		return "", fmt.Errorf("%s: %w", field, ErrMissingField)
	default:
		return "", &ParseError{Field: field, Err: fmt.Errorf("unrecognized side %q", raw)}
	}
}

// FieldRequiredString parses a required non-empty string field.
func FieldRequiredString(field, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%s: %w", field, ErrMissingField)
	}
	return raw, nil
}

// DeriveTradeID returns the trade identity per spec.md §3: the upstream tx
// hash when present, else the deterministic tuple of wallet, market, and
// upstream timestamp.
func DeriveTradeID(txHash string, wallet Wallet, marketID string, ts time.Time) string {
	if txHash != "" {
		return txHash
	}
	return fmt.Sprintf("synthetic:%s:%s:%d", wallet, marketID, ts.UnixMilli())
}
