package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/resiliency"
)

// InitiateRequest asks the gateway to start collecting payment.
type InitiateRequest struct {
	IntentID      string `json:"intent_id"`
	OrderID       string `json:"merchant_order_id"`
	Method        string `json:"method"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
}

// Redirect is where the customer completes payment.
type Redirect struct {
	URL         string `json:"redirect_url"`
	ProviderRef string `json:"reference"`
}

// Gateway starts payments with an external provider.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*Redirect, error)
}

// HTTPGateway talks to a JSON payment API.
type HTTPGateway struct {
	name    string
	baseURL string
	apiKey  string
	client  *resiliency.Client
}

// NewHTTPGateway creates a gateway posting to baseURL + "/payments".
func NewHTTPGateway(name, baseURL, apiKey string, client *resiliency.Client) *HTTPGateway {
	if client == nil {
		client = resiliency.NewClient(name)
	}
	return &HTTPGateway{name: name, baseURL: baseURL, apiKey: apiKey, client: client}
}

func (g *HTTPGateway) Name() string { return g.name }

func (g *HTTPGateway) Initiate(ctx context.Context, req InitiateRequest) (*Redirect, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/payments", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+g.apiKey)
		r.Header.Set("Idempotency-Key", req.IntentID)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("payment: initiate: %w", err)
	}
	defer resp.Body.Close()

	var out Redirect
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("payment: decode gateway response: %w", err)
	}
	if out.URL == "" {
		return nil, errors.New("payment: gateway returned no redirect url")
	}
	return &out, nil
}
