package orders_http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"reconciler/internal/domain"
)

type OrderHandler struct {
	service  Service
	webhooks WebhookReceiver
	logger   *zap.Logger
}

func NewOrderHandler(s Service, webhooks WebhookReceiver, l *zap.Logger) *OrderHandler {
	return &OrderHandler{service: s, webhooks: webhooks, logger: l}
}

type CartItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CheckoutRequest struct {
	UserID  string            `json:"userId"`
	Items   []CartItemRequest `json:"items"`
	Gateway string            `json:"gateway"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

type LineItemResponse struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type OrderResponse struct {
	OrderID           string             `json:"orderId"`
	UserID            string             `json:"userId"`
	Items             []LineItemResponse `json:"items"`
	Total             int64              `json:"total"`
	DisplayTotal      string             `json:"displayTotal"`
	Currency          string             `json:"currency"`
	Gateway           string             `json:"gateway"`
	PaymentStatus     string             `json:"paymentStatus"`
	FulfillmentStatus string             `json:"fulfillmentStatus"`
	ReviewStatus      string             `json:"reviewStatus"`
	FailureReason     string             `json:"failureReason,omitempty"`
	CreatedAt         string             `json:"createdAt"`
	UpdatedAt         string             `json:"updatedAt"`
}

func toOrderResponse(o *domain.Order) OrderResponse {
	items := make([]LineItemResponse, len(o.Items))
	for i, item := range o.Items {
		items[i] = LineItemResponse{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice}
	}
	display, _ := domain.FormatMinor(o.Total, o.Currency)
	return OrderResponse{
		OrderID:           o.ID,
		UserID:            o.UserID,
		Items:             items,
		Total:             o.Total,
		DisplayTotal:      display,
		Currency:          o.Currency,
		Gateway:           string(o.Gateway),
		PaymentStatus:     string(o.PaymentStatus),
		FulfillmentStatus: string(o.FulfillmentStatus),
		ReviewStatus:      string(o.ReviewStatus),
		FailureReason:     o.FailureReason,
		CreatedAt:         o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         o.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *OrderHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	caller, _ := CurrentUser(r.Context())

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for Checkout", zap.Error(err))
		renderJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = caller.ID
	}
	if req.UserID != caller.ID {
		h.logger.Warn("Checkout on behalf of another user",
			zap.String("caller_id", caller.ID),
			zap.String("user_id", req.UserID),
		)
		renderJSONError(w, "userId does not match the authenticated user", http.StatusForbidden)
		return
	}

	g, err := domain.ParseGateway(req.Gateway)
	if err != nil {
		h.writeError(w, err)
		return
	}
	items := make([]domain.CartItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = domain.CartItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}

	res, err := h.service.InitiateCheckout(r.Context(), req.UserID, items, g)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

func (h *OrderHandler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")

	// the signature covers the exact bytes, so the body is read untouched
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			renderJSONError(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		renderJSONError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	_, err = h.webhooks.Receive(r.Context(), gatewayName, body, r.Header)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, domain.ErrUnknownGateway):
		renderJSONError(w, "unknown gateway", http.StatusNotFound)
	case errors.Is(err, domain.ErrSignatureInvalid):
		renderJSONError(w, "invalid signature", http.StatusUnauthorized)
	default:
		h.logger.Error("Webhook processing failed", zap.String("gateway", gatewayName), zap.Error(err))
		renderJSONError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	caller, _ := CurrentUser(r.Context())
	orderID := chi.URLParam(r, "orderID")

	order, err := h.service.GetOrder(r.Context(), caller, orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	caller, _ := CurrentUser(r.Context())
	orderID := chi.URLParam(r, "orderID")
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		renderJSONError(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	order, err := h.service.PollAndVerify(r.Context(), caller, orderID, sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandler) Refund(w http.ResponseWriter, r *http.Request) {
	caller, _ := CurrentUser(r.Context())
	orderID := chi.URLParam(r, "orderID")

	var req RefundRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			renderJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = fmt.Sprintf("refunded by %s", caller.ID)
	}

	order, err := h.service.Refund(r.Context(), caller, orderID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Info("Request rejected", zap.Int("status", status), zap.Error(err))
	}
	renderJSONError(w, publicMessage(err, status), status)
}

func (h *OrderHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}
