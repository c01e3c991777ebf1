package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Error()
	}
	return strings.Join(parts, "; ")
}

func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Token identifiers are symbols like "mETH" or 0x-prefixed contract
// addresses. Anything starting with 0x must be a full 20-byte address.
var (
	symbolPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

func ValidateToken(field, token string) *FieldError {
	token = strings.TrimSpace(token)
	if token == "" {
		return &FieldError{Field: field, Message: "is required"}
	}
	if strings.HasPrefix(token, "0x") || strings.HasPrefix(token, "0X") {
		if !addressPattern.MatchString(token) {
			return &FieldError{Field: field, Message: "must be a 20-byte 0x address"}
		}
		return nil
	}
	if !symbolPattern.MatchString(token) {
		return &FieldError{Field: field, Message: "must be a token symbol or 0x address"}
	}
	return nil
}

// ValidateAmount parses a base-unit quantity from its decimal string form.
// Only positive whole numbers pass; scientific notation and fractions are
// rejected before they reach the ledger.
func ValidateAmount(field, raw string) (decimal.Decimal, *FieldError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, &FieldError{Field: field, Message: "is required"}
	}
	if strings.ContainsAny(raw, "eE+.") {
		return decimal.Zero, &FieldError{Field: field, Message: "must be a whole number of base units"}
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &FieldError{Field: field, Message: "must be a whole number of base units"}
	}
	if amount.Sign() <= 0 || !amount.IsInteger() {
		return decimal.Zero, &FieldError{Field: field, Message: "must be greater than zero"}
	}
	return amount, nil
}
