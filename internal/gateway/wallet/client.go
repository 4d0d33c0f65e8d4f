// Package wallet is the adapter for the wallet gateway: payer-approved
// orders captured server side, OAuth2 client-credentials authentication and
// certificate-signed webhooks.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"reconciler/internal/domain"
	"reconciler/internal/gateway"
)

const requestIDHeader = "Wallet-Request-Id"

type Config struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	WebhookID       string
	CertURLPrefixes []string
	ReturnURL       string
	CancelURL       string
	Currencies      []string
	Tolerance       time.Duration
}

// NewHTTPClient returns a client that obtains and refreshes bearer tokens
// with the client-credentials grant. base carries the transport and timeout
// used for the token endpoint as well.
func NewHTTPClient(ctx context.Context, cfg Config, base *http.Client) *http.Client {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     strings.TrimRight(cfg.BaseURL, "/") + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	return cc.Client(ctx)
}

type Client struct {
	cfg        Config
	transport  *gateway.Transport
	certClient *http.Client
	now        func() time.Time
	logger     *zap.Logger

	certMu sync.RWMutex
	certs  map[string]*cachedCert
}

// NewClient expects transport to be built on an OAuth2 client; certClient
// fetches webhook signing certificates and must not send credentials.
func NewClient(cfg Config, transport *gateway.Transport, certClient *http.Client, logger *zap.Logger) *Client {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	if certClient == nil {
		certClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		transport:  transport,
		certClient: certClient,
		now:        time.Now,
		logger:     logger,
		certs:      make(map[string]*cachedCert),
	}
}

func (c *Client) Name() domain.Gateway {
	return domain.GatewayWallet
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

type capture struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        money  `json:"amount"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details,omitempty"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	Amount      money  `json:"amount"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type walletOrder struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

type applicationContext struct {
	ReturnURL  string `json:"return_url"`
	CancelURL  string `json:"cancel_url"`
	UserAction string `json:"user_action"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type apiErrorBody struct {
	Name    string `json:"name"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func jsonHeaders(requestID string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("Prefer", "return=representation")
	if requestID != "" {
		h.Set(requestIDHeader, requestID)
	}
	return h
}

func (c *Client) CreateIntent(ctx context.Context, order *domain.Order) (*gateway.RemoteIntent, error) {
	if err := gateway.ValidateAmount(order, c.cfg.Currencies, c.Name()); err != nil {
		return nil, err
	}
	value, err := domain.FormatMinor(order.Total, order.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidAmount, err)
	}

	body, err := json.Marshal(createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: order.ID,
			CustomID:    order.ID,
			Amount:      money{CurrencyCode: order.Currency, Value: value},
		}},
		ApplicationContext: applicationContext{
			ReturnURL:  c.cfg.ReturnURL,
			CancelURL:  c.cfg.CancelURL,
			UserAction: "PAY_NOW",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode wallet order: %w", err)
	}

	resp, err := c.transport.Do(ctx, http.MethodPost, "/v2/checkout/orders", body, jsonHeaders("intent-"+order.ID))
	if err != nil {
		return nil, fmt.Errorf("create wallet order for order %s: %w", order.ID, err)
	}

	var wo walletOrder
	if err := json.Unmarshal(resp.Body, &wo); err != nil {
		return nil, fmt.Errorf("decode wallet order: %w", err)
	}
	approve := approvalLink(wo.Links)
	if wo.ID == "" || approve == "" {
		return nil, fmt.Errorf("wallet gateway returned an order without id or approval link")
	}

	c.logger.Info("Wallet order created",
		zap.String("order_id", order.ID),
		zap.String("remote_intent_id", wo.ID),
		zap.String("status", wo.Status),
	)
	return &gateway.RemoteIntent{
		ID:     wo.ID,
		Handle: domain.PaymentHandle{Kind: domain.HandleApprovalLink, Value: approve},
		Status: wo.Status,
		Raw:    string(resp.Body),
	}, nil
}

func approvalLink(links []link) string {
	for _, l := range links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

func (c *Client) Capture(ctx context.Context, remoteIntentID string) (*gateway.CaptureResult, error) {
	path := "/v2/checkout/orders/" + url.PathEscape(remoteIntentID) + "/capture"
	resp, err := c.transport.Do(ctx, http.MethodPost, path, []byte("{}"), jsonHeaders("capture-"+remoteIntentID))
	if err != nil {
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			return c.captureFromIssue(ctx, remoteIntentID, apiErr)
		}
		return nil, fmt.Errorf("capture %s: %w", remoteIntentID, err)
	}

	var wo walletOrder
	if err := json.Unmarshal(resp.Body, &wo); err != nil {
		return nil, fmt.Errorf("decode captured wallet order: %w", err)
	}
	cp := firstCapture(&wo)
	if cp == nil {
		return &gateway.CaptureResult{Status: gateway.CapturePending}, nil
	}
	return captureResultFrom(cp)
}

func (c *Client) captureFromIssue(ctx context.Context, remoteIntentID string, apiErr *gateway.APIError) (*gateway.CaptureResult, error) {
	var body apiErrorBody
	_ = json.Unmarshal([]byte(apiErr.Body), &body)
	for _, d := range body.Details {
		switch d.Issue {
		case "INSTRUMENT_DECLINED", "PAYER_ACTION_REQUIRED", "ORDER_NOT_APPROVED":
			return &gateway.CaptureResult{Status: gateway.CaptureFailed, Reason: d.Issue}, nil
		case "ORDER_ALREADY_CAPTURED":
			ev, err := c.Retrieve(ctx, remoteIntentID)
			if err != nil {
				return nil, fmt.Errorf("capture %s: %w", remoteIntentID, err)
			}
			if ev.Outcome == domain.OutcomeSucceeded {
				return &gateway.CaptureResult{Status: gateway.CaptureCompleted, CapturedAmount: ev.Amount, Currency: ev.Currency}, nil
			}
		}
	}
	return nil, fmt.Errorf("capture %s: %w", remoteIntentID, apiErr)
}

func firstCapture(wo *walletOrder) *capture {
	for _, pu := range wo.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return &pu.Payments.Captures[0]
		}
	}
	return nil
}

func captureResultFrom(cp *capture) (*gateway.CaptureResult, error) {
	res := &gateway.CaptureResult{CaptureID: cp.ID, Currency: strings.ToUpper(cp.Amount.CurrencyCode)}
	switch cp.Status {
	case "COMPLETED":
		amount, err := domain.ParseMinor(cp.Amount.Value, cp.Amount.CurrencyCode)
		if err != nil {
			return nil, fmt.Errorf("capture %s amount: %w", cp.ID, err)
		}
		res.Status = gateway.CaptureCompleted
		res.CapturedAmount = amount
	case "DECLINED", "FAILED":
		res.Status = gateway.CaptureFailed
		if cp.StatusDetails != nil {
			res.Reason = cp.StatusDetails.Reason
		}
	default:
		res.Status = gateway.CapturePending
	}
	return res, nil
}

func (c *Client) Retrieve(ctx context.Context, remoteIntentID string) (*domain.GatewayEvent, error) {
	resp, err := c.transport.Do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(remoteIntentID), nil, jsonHeaders(""))
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", remoteIntentID, err)
	}
	var wo walletOrder
	if err := json.Unmarshal(resp.Body, &wo); err != nil {
		return nil, fmt.Errorf("decode wallet order: %w", err)
	}
	ev, err := eventFromOrder(&wo)
	if err != nil {
		return nil, err
	}
	ev.EventType = "poll." + strings.ToLower(wo.Status)
	ev.OccurredAt = c.now()
	return ev, nil
}

func eventFromOrder(wo *walletOrder) (*domain.GatewayEvent, error) {
	ev := &domain.GatewayEvent{
		Gateway:        domain.GatewayWallet,
		RemoteIntentID: wo.ID,
		Outcome:        domain.OutcomePending,
	}
	if len(wo.PurchaseUnits) > 0 {
		ev.Currency = strings.ToUpper(wo.PurchaseUnits[0].Amount.CurrencyCode)
	}

	switch wo.Status {
	case "APPROVED":
		if len(wo.PurchaseUnits) == 0 {
			return nil, fmt.Errorf("approved wallet order %s has no purchase unit", wo.ID)
		}
		amount, err := domain.ParseMinor(wo.PurchaseUnits[0].Amount.Value, ev.Currency)
		if err != nil {
			return nil, fmt.Errorf("wallet order %s amount: %w", wo.ID, err)
		}
		ev.Outcome = domain.OutcomeApproved
		ev.Amount = amount
	case "COMPLETED":
		cp := firstCapture(wo)
		if cp == nil {
			return ev, nil
		}
		res, err := captureResultFrom(cp)
		if err != nil {
			return nil, err
		}
		switch res.Status {
		case gateway.CaptureCompleted:
			ev.Outcome = domain.OutcomeSucceeded
			ev.Amount = res.CapturedAmount
			ev.Currency = res.Currency
		case gateway.CaptureFailed:
			ev.Outcome = domain.OutcomeFailed
			ev.Reason = res.Reason
		}
	case "VOIDED":
		ev.Outcome = domain.OutcomeFailed
		ev.Reason = "voided"
	}
	return ev, nil
}
