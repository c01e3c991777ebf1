package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/sep1ol/portfolio-exchange/libs/kafka"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/fee"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/service"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/storage"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/vault"
	"github.com/shopspring/decimal"
)

func newTestHandler(t *testing.T) (*TransferHandler, *service.ExchangeService) {
	t.Helper()
	fees, err := fee.NewConfig("0xfee", 10)
	if err != nil {
		t.Fatalf("fee config: %v", err)
	}
	store := storage.NewMemoryStore(vault.Noop{}, fees)
	svc := service.NewExchangeService(store, nil, fees, service.Topics{}, nil, nil)
	return NewTransferHandler(svc, nil), svc
}

func message(t *testing.T, event TransferConfirmed) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &sarama.ConsumerMessage{
		Topic: "custody.transfers.confirmed",
		Value: payload,
	}
}

func TestHandleTransferCreditsBalance(t *testing.T) {
	handler, svc := newTestHandler(t)
	ctx := context.Background()

	msg := message(t, TransferConfirmed{
		TransferID: "tr-1",
		Token:      "DAPP",
		Account:    "0xa11ce",
		Amount:     "100",
	})
	if err := handler.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	balance, err := svc.BalanceOf(ctx, "DAPP", "0xa11ce")
	if err != nil {
		t.Fatalf("balance of: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance = %s, want 100", balance)
	}
}

func TestHandleTransferRedelivery(t *testing.T) {
	handler, svc := newTestHandler(t)
	ctx := context.Background()

	msg := message(t, TransferConfirmed{
		TransferID: "tr-1",
		Token:      "DAPP",
		Account:    "0xa11ce",
		Amount:     "100",
	})
	if err := handler.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := handler.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	balance, _ := svc.BalanceOf(ctx, "DAPP", "0xa11ce")
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance after redelivery = %s, want 100", balance)
	}
}

func TestHandleTransferMalformedGoesToDLQ(t *testing.T) {
	handler, _ := newTestHandler(t)

	err := handler.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")})
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("error = %v, want DLQError", err)
	}
}

func TestHandleTransferInvalidFieldsGoToDLQ(t *testing.T) {
	handler, _ := newTestHandler(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		event TransferConfirmed
	}{
		{"missing transfer id", TransferConfirmed{Token: "DAPP", Account: "0xa11ce", Amount: "100"}},
		{"missing account", TransferConfirmed{TransferID: "tr-1", Token: "DAPP", Amount: "100"}},
		{"bad amount", TransferConfirmed{TransferID: "tr-1", Token: "DAPP", Account: "0xa11ce", Amount: "ten"}},
		{"negative amount", TransferConfirmed{TransferID: "tr-1", Token: "DAPP", Account: "0xa11ce", Amount: "-5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handler.HandleMessage(ctx, message(t, tt.event))
			var dlqErr *kafka.DLQError
			if !errors.As(err, &dlqErr) {
				t.Fatalf("error = %v, want DLQError", err)
			}
		})
	}
}
