package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/sep1ol/portfolio-exchange/libs/kafka"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/service"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/storage"
	"github.com/shopspring/decimal"
)

// TransferConfirmed is the message the custody bridge emits once an inbound
// token transfer has settled on-chain.
type TransferConfirmed struct {
	kafka.Envelope
	TransferID string `json:"transfer_id"`
	Token      string `json:"token"`
	Account    string `json:"account"`
	Amount     string `json:"amount"`
}

// TransferHandler credits confirmed custody transfers to the ledger. Handling
// is idempotent: a redelivered confirmation is acknowledged without crediting
// twice.
type TransferHandler struct {
	svc    *service.ExchangeService
	logger *slog.Logger
}

func NewTransferHandler(svc *service.ExchangeService, logger *slog.Logger) *TransferHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransferHandler{svc: svc, logger: logger}
}

func (h *TransferHandler) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event TransferConfirmed
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(err, "malformed transfer confirmation")
	}
	if err := h.validate(event); err != nil {
		return kafka.DLQ(err, "invalid transfer confirmation")
	}

	amount, err := decimal.NewFromString(event.Amount)
	if err != nil {
		return kafka.DLQ(fmt.Errorf("parse amount %q: %w", event.Amount, err), "invalid transfer confirmation")
	}

	ctx = service.WithCorrelationID(ctx, event.CorrelationID)
	balance, alreadyProcessed, err := h.svc.CreditTransfer(ctx, event.TransferID, event.Token, event.Account, amount)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidAmount) {
			return kafka.DLQ(err, "invalid transfer confirmation")
		}
		// Storage trouble is retriable; leave the offset uncommitted and
		// let the group redeliver.
		return fmt.Errorf("credit transfer %s: %w", event.TransferID, err)
	}

	if alreadyProcessed {
		h.logger.Info("transfer confirmation already applied",
			"transfer_id", event.TransferID,
			"token", event.Token,
			"account", event.Account,
		)
		return nil
	}

	h.logger.Info("transfer credited",
		"transfer_id", event.TransferID,
		"token", event.Token,
		"account", event.Account,
		"amount", event.Amount,
		"balance", balance.Total.String(),
	)
	return nil
}

func (h *TransferHandler) validate(event TransferConfirmed) error {
	if strings.TrimSpace(event.TransferID) == "" {
		return fmt.Errorf("transfer_id is required")
	}
	if strings.TrimSpace(event.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if strings.TrimSpace(event.Account) == "" {
		return fmt.Errorf("account is required")
	}
	if strings.TrimSpace(event.Amount) == "" {
		return fmt.Errorf("amount is required")
	}
	return nil
}
