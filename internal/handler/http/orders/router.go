package orders_http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"reconciler/internal/app/reconciliation"
	"reconciler/internal/app/webhook"
	"reconciler/internal/domain"
)

// maxWebhookBody bounds webhook payloads; gateways send well under this.
const maxWebhookBody = 1 << 20

type Service interface {
	InitiateCheckout(ctx context.Context, userID string, items []domain.CartItem, g domain.Gateway) (*reconciliation.CheckoutResult, error)
	PollAndVerify(ctx context.Context, caller domain.User, orderID, sessionID string) (*domain.Order, error)
	GetOrder(ctx context.Context, caller domain.User, orderID string) (*domain.Order, error)
	Refund(ctx context.Context, caller domain.User, orderID, reason string) (*domain.Order, error)
}

type WebhookReceiver interface {
	Receive(ctx context.Context, gatewayName string, rawBody []byte, headers http.Header) (webhook.Result, error)
}

type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

func NewRouter(cfg RouterConfig, s Service, webhooks WebhookReceiver, l *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(l.With(zap.String("component", "http"))))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", UserIDHeader, UserRoleHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	RegisterRoutes(r, s, webhooks, l)
	return r
}

func RegisterRoutes(r chi.Router, s Service, webhooks WebhookReceiver, l *zap.Logger) {
	handler := NewOrderHandler(s, webhooks, l.With(zap.String("component", "OrderHTTPHandler")))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// webhooks authenticate by signature, not by caller identity
	r.Post("/webhooks/{gateway}", handler.ReceiveWebhook)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate)

		r.Post("/checkout", handler.Checkout)
		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/", handler.GetOrder)
			r.Get("/verify", handler.VerifyPayment)
			r.Post("/refund", handler.Refund)
		})
	})
}
