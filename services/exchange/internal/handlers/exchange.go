package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sep1ol/portfolio-exchange/libs/auth"
	"github.com/sep1ol/portfolio-exchange/libs/httpmiddleware"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/service"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/storage"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/validation"
)

type ExchangeHandler struct {
	svc    *service.ExchangeService
	logger *slog.Logger
}

func NewExchangeHandler(svc *service.ExchangeService, logger *slog.Logger) *ExchangeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExchangeHandler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the API under /v1. Reads are public; every mutation
// requires a JWT whose subject is the caller's wallet address.
func (h *ExchangeHandler) RegisterRoutes(r *gin.Engine, jwtSecret []byte) {
	v1 := r.Group("/v1")

	v1.GET("/fees", h.GetFees)
	v1.GET("/orders", h.ListOrders)
	v1.GET("/orders/count", h.OrderCount)
	v1.GET("/orders/:id", h.GetOrder)

	authed := v1.Group("")
	authed.Use(auth.Middleware(jwtSecret))
	authed.POST("/deposits", h.Deposit)
	authed.POST("/withdrawals", h.Withdraw)
	authed.POST("/orders", h.MakeOrder)
	authed.DELETE("/orders/:id", h.CancelOrder)
	authed.POST("/orders/:id/fill", h.FillOrder)
	authed.GET("/balances/:token", h.GetBalance)
}

type errorBody struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

type balanceResponse struct {
	Token     string `json:"token"`
	Account   string `json:"account"`
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Available string `json:"available"`
}

type orderResponse struct {
	ID         int64  `json:"id"`
	Creator    string `json:"creator"`
	TokenGet   string `json:"token_get"`
	AmountGet  string `json:"amount_get"`
	TokenGive  string `json:"token_give"`
	AmountGive string `json:"amount_give"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

func toBalanceResponse(b storage.Balance) balanceResponse {
	return balanceResponse{
		Token:     b.Token,
		Account:   b.Account,
		Balance:   b.Total.String(),
		Reserved:  b.Reserved.String(),
		Available: b.Available().String(),
	}
}

func toOrderResponse(o storage.Order) orderResponse {
	return orderResponse{
		ID:         o.ID,
		Creator:    o.Creator,
		TokenGet:   o.TokenGet,
		AmountGet:  o.AmountGet.String(),
		TokenGive:  o.TokenGive,
		AmountGive: o.AmountGive.String(),
		Status:     o.Status,
		CreatedAt:  o.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

type moveFundsRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (h *ExchangeHandler) Deposit(c *gin.Context) {
	account, ok := auth.AccountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "missing account identity"})
		return
	}

	var req moveFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "invalid_request", Message: "malformed JSON body"})
		return
	}

	var fields validation.Errors
	if fe := validation.ValidateToken("token", req.Token); fe != nil {
		fields = append(fields, *fe)
	}
	amount, fe := validation.ValidateAmount("amount", req.Amount)
	if fe != nil {
		fields = append(fields, *fe)
	}
	if fields.HasErrors() {
		c.JSON(http.StatusBadRequest, errorBody{Code: "validation_failed", Message: "invalid deposit request", Fields: fields})
		return
	}

	ctx := service.WithCorrelationID(c.Request.Context(), httpmiddleware.RequestIDFromContext(c))
	balance, err := h.svc.Deposit(ctx, req.Token, account, amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBalanceResponse(balance))
}

func (h *ExchangeHandler) Withdraw(c *gin.Context) {
	account, ok := auth.AccountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "missing account identity"})
		return
	}

	var req moveFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "invalid_request", Message: "malformed JSON body"})
		return
	}

	var fields validation.Errors
	if fe := validation.ValidateToken("token", req.Token); fe != nil {
		fields = append(fields, *fe)
	}
	amount, fe := validation.ValidateAmount("amount", req.Amount)
	if fe != nil {
		fields = append(fields, *fe)
	}
	if fields.HasErrors() {
		c.JSON(http.StatusBadRequest, errorBody{Code: "validation_failed", Message: "invalid withdrawal request", Fields: fields})
		return
	}

	ctx := service.WithCorrelationID(c.Request.Context(), httpmiddleware.RequestIDFromContext(c))
	balance, err := h.svc.Withdraw(ctx, req.Token, account, amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBalanceResponse(balance))
}

func (h *ExchangeHandler) GetBalance(c *gin.Context) {
	account, ok := auth.AccountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "missing account identity"})
		return
	}
	token := c.Param("token")
	if fe := validation.ValidateToken("token", token); fe != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "validation_failed", Message: fe.Error()})
		return
	}

	balance, err := h.svc.GetBalance(c.Request.Context(), token, account)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBalanceResponse(balance))
}

type makeOrderRequest struct {
	TokenGet   string `json:"token_get"`
	AmountGet  string `json:"amount_get"`
	TokenGive  string `json:"token_give"`
	AmountGive string `json:"amount_give"`
}

func (h *ExchangeHandler) MakeOrder(c *gin.Context) {
	account, ok := auth.AccountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "missing account identity"})
		return
	}

	var req makeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "invalid_request", Message: "malformed JSON body"})
		return
	}

	var fields validation.Errors
	if fe := validation.ValidateToken("token_get", req.TokenGet); fe != nil {
		fields = append(fields, *fe)
	}
	if fe := validation.ValidateToken("token_give", req.TokenGive); fe != nil {
		fields = append(fields, *fe)
	}
	amountGet, fe := validation.ValidateAmount("amount_get", req.AmountGet)
	if fe != nil {
		fields = append(fields, *fe)
	}
	amountGive, fe := validation.ValidateAmount("amount_give", req.AmountGive)
	if fe != nil {
		fields = append(fields, *fe)
	}
	if fields.HasErrors() {
		c.JSON(http.StatusBadRequest, errorBody{Code: "validation_failed", Message: "invalid order request", Fields: fields})
		return
	}

	ctx := service.WithCorrelationID(c.Request.Context(), httpmiddleware.RequestIDFromContext(c))
	order, err := h.svc.MakeOrder(ctx, account, req.TokenGet, amountGet, req.TokenGive, amountGive)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(*order))
}

func (h *ExchangeHandler) CancelOrder(c *gin.Context) {
	account, ok := auth.AccountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "missing account identity"})
		return
	}
	id, err := parseOrderID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "validation_failed", Message: "order id must be a positive integer"})
		return
	}

	ctx := service.WithCorrelationID(c.Request.Context(), httpmiddleware.RequestIDFromContext(c))
	order, svcErr := h.svc.CancelOrder(ctx, id, account)
	if svcErr != nil {
		h.writeError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(*order))
}

type fillResponse struct {
	Order     orderResponse `json:"order"`
	Filler    string        `json:"filler"`
	FeeAmount string        `json:"fee_amount"`
	FeeToken  string        `json:"fee_token"`
}

func (h *ExchangeHandler) FillOrder(c *gin.Context) {
	account, ok := auth.AccountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "missing account identity"})
		return
	}
	id, err := parseOrderID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "validation_failed", Message: "order id must be a positive integer"})
		return
	}

	ctx := service.WithCorrelationID(c.Request.Context(), httpmiddleware.RequestIDFromContext(c))
	fill, svcErr := h.svc.FillOrder(ctx, id, account)
	if svcErr != nil {
		h.writeError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, fillResponse{
		Order:     toOrderResponse(fill.Order),
		Filler:    fill.Filler,
		FeeAmount: fill.FeeAmount.String(),
		FeeToken:  fill.Order.TokenGet,
	})
}

func (h *ExchangeHandler) GetOrder(c *gin.Context) {
	id, err := parseOrderID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "validation_failed", Message: "order id must be a positive integer"})
		return
	}
	order, svcErr := h.svc.GetOrder(c.Request.Context(), id)
	if svcErr != nil {
		h.writeError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(*order))
}

func (h *ExchangeHandler) ListOrders(c *gin.Context) {
	filter := storage.OrderFilter{
		Status:    c.Query("status"),
		TokenGet:  c.Query("token_get"),
		TokenGive: c.Query("token_give"),
		Creator:   c.Query("creator"),
	}
	if filter.Status != "" &&
		filter.Status != storage.OrderStatusOpen &&
		filter.Status != storage.OrderStatusCancelled &&
		filter.Status != storage.OrderStatusFilled {
		c.JSON(http.StatusBadRequest, errorBody{Code: "validation_failed", Message: "status must be open, cancelled or filled"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, errorBody{Code: "validation_failed", Message: "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	orders, err := h.svc.ListOrders(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (h *ExchangeHandler) OrderCount(c *gin.Context) {
	count, err := h.svc.OrderCount(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *ExchangeHandler) GetFees(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"fee_recipient": h.svc.FeeRecipient(),
		"fee_percent":   h.svc.FeePercent(),
	})
}

func parseOrderID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid order id")
	}
	return id, nil
}

func (h *ExchangeHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, errorBody{Code: "invalid_amount", Message: err.Error()})
	case errors.Is(err, storage.ErrInsufficientAvailable):
		c.JSON(http.StatusUnprocessableEntity, errorBody{Code: "insufficient_balance", Message: err.Error()})
	case errors.Is(err, storage.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, errorBody{Code: "order_not_found", Message: err.Error()})
	case errors.Is(err, storage.ErrOrderNotOpen):
		c.JSON(http.StatusConflict, errorBody{Code: "order_not_open", Message: err.Error()})
	case errors.Is(err, storage.ErrNotCreator):
		c.JSON(http.StatusForbidden, errorBody{Code: "not_order_creator", Message: err.Error()})
	case errors.Is(err, storage.ErrSelfFill):
		c.JSON(http.StatusConflict, errorBody{Code: "self_fill", Message: err.Error()})
	case errors.Is(err, storage.ErrTransferFailed):
		c.JSON(http.StatusBadGateway, errorBody{Code: "transfer_failed", Message: err.Error()})
	default:
		h.logger.Error("unhandled service error",
			"error", err,
			"request_id", httpmiddleware.RequestIDFromContext(c),
		)
		c.JSON(http.StatusInternalServerError, errorBody{Code: "internal_error", Message: "internal server error"})
	}
}
