package fee

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Config is fixed at service construction; there is no mutator. The percent
// applies to the taker's receive amount on every fill.
type Config struct {
	recipient string
	percent   int64
}

func NewConfig(recipient string, percent int64) (Config, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return Config{}, fmt.Errorf("fee recipient is required")
	}
	if percent < 0 || percent > 100 {
		return Config{}, fmt.Errorf("fee percent must be between 0 and 100")
	}
	return Config{recipient: recipient, percent: percent}, nil
}

func (c Config) Recipient() string {
	return c.recipient
}

func (c Config) Percent() int64 {
	return c.percent
}

// Calculate returns floor(amountGet * percent / 100). Truncation matches the
// on-chain integer division the ledger mirrors; the filler always pays
// amountGet plus this fee, never less.
func (c Config) Calculate(amountGet decimal.Decimal) decimal.Decimal {
	if amountGet.Sign() <= 0 || c.percent == 0 {
		return decimal.Zero
	}
	return amountGet.Mul(decimal.NewFromInt(c.percent)).Div(hundred).Floor()
}
