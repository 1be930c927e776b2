package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cropstack/settlement/internal/circuitbreaker"
	"github.com/cropstack/settlement/internal/idgen"
	"github.com/cropstack/settlement/internal/retry"
)

// Config holds the configuration for reaching the settlement API.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	ActorID   string // Operator identity sent as X-Actor-ID
	ActorRole string // "operator" or "verifier"
	ActorName string
}

// SettlementClient is a pure HTTP client for the settlement API.
type SettlementClient struct {
	cfg        Config
	httpClient *http.Client
	attempts   int
	baseDelay  time.Duration
	breaker    *circuitbreaker.Breaker
}

// NewSettlementClient creates a new client for the settlement API.
func NewSettlementClient(cfg Config) *SettlementClient {
	if cfg.ActorRole == "" {
		cfg.ActorRole = "operator"
	}
	return &SettlementClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
		breaker:   circuitbreaker.New(5, 30*time.Second),
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body. POSTs
// carry one Idempotency-Key across retries, so a retried state change
// replays instead of applying twice. Each resource family has its own
// circuit; once it opens, calls fail fast until the cooldown passes.
func (c *SettlementClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var data []byte
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	idemKey := ""
	if method == http.MethodPost {
		idemKey = idgen.New()
	}

	key := breakerKey(path)
	var out json.RawMessage
	err = retry.Do(ctx, c.attempts, c.baseDelay, func() error {
		err := c.breaker.Do(key, upstreamFailure, func() error {
			raw, err := c.send(ctx, method, u.String(), data, idemKey)
			if err != nil {
				return err
			}
			out = raw
			return nil
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("settlement API unavailable for %s: %w", key, err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// breakerKey maps "/v1/orders/ord_1/approve" to "orders".
func breakerKey(path string) string {
	rest := strings.TrimPrefix(path, "/v1/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// upstreamFailure reports whether err says the API is unhealthy. Permanent
// errors are the caller's own (4xx, cancelled context) and do not count.
func upstreamFailure(err error) bool {
	var pe *retry.PermanentError
	return !errors.As(err, &pe)
}

func (c *SettlementClient) send(ctx context.Context, method, target string, data []byte, idemKey string) (json.RawMessage, error) {
	var reqBody io.Reader
	if data != nil {
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("X-Actor-ID", c.cfg.ActorID)
	req.Header.Set("X-Actor-Role", c.cfg.ActorRole)
	if c.cfg.ActorName != "" {
		req.Header.Set("X-Actor-Name", c.cfg.ActorName)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Permanent(fmt.Errorf("request failed: %w", err))
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		err := fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
		// 409 request_in_progress means the first attempt is still running.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode == http.StatusConflict && apiErr.Error == "request_in_progress") {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	return json.RawMessage(respBody), nil
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Status   string
	SellerID string
	BuyerID  string
	Limit    int
}

// ListOrders returns orders matching the filter.
func (c *SettlementClient) ListOrders(ctx context.Context, f OrderFilter) (json.RawMessage, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.SellerID != "" {
		q.Set("seller", f.SellerID)
	}
	if f.BuyerID != "" {
		q.Set("buyer", f.BuyerID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/orders", q, nil)
}

// GetOrder returns a single order.
func (c *SettlementClient) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, nil)
}

// ApproveOrder accepts a pending order.
func (c *SettlementClient) ApproveOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/approve", nil, nil)
}

// RejectOrder cancels a pending or approved order with a reason.
func (c *SettlementClient) RejectOrder(ctx context.Context, orderID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/reject", nil, body)
}

// CompleteOrder records pickup and releases the order's escrow.
func (c *SettlementClient) CompleteOrder(ctx context.Context, orderID, pickupCode string) (json.RawMessage, error) {
	body := map[string]string{"pickupCode": pickupCode}
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/complete", nil, body)
}

// SellerBalance returns available and pending escrow for a seller.
func (c *SettlementClient) SellerBalance(ctx context.Context, sellerID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sellers/"+url.PathEscape(sellerID)+"/balance", nil, nil)
}

// ReconcileSeller compares the aggregate balance with the raw entries.
func (c *SettlementClient) ReconcileSeller(ctx context.Context, sellerID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sellers/"+url.PathEscape(sellerID)+"/reconciliation", nil, nil)
}

// ListPledges returns pledges, optionally filtered.
func (c *SettlementClient) ListPledges(ctx context.Context, status, ownerID string) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if ownerID != "" {
		q.Set("owner", ownerID)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/pledges", q, nil)
}

// AdvancePledge moves a pledge to its next status.
func (c *SettlementClient) AdvancePledge(ctx context.Context, pledgeID, status, note string) (json.RawMessage, error) {
	body := map[string]string{"status": status, "note": note}
	return c.doRequest(ctx, http.MethodPost, "/v1/pledges/"+url.PathEscape(pledgeID)+"/status", nil, body)
}

// AuditTrail returns the recorded transitions of one entity.
func (c *SettlementClient) AuditTrail(ctx context.Context, entityType, entityID string) (json.RawMessage, error) {
	path := "/v1/audit/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}
