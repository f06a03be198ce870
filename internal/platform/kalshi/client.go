// Package kalshi implements the exchange adapter for the Kalshi REST and
// WebSocket APIs. The adapter owns authentication, rate limiting, and
// retry/backoff; the core consumes it through domain.Exchange.
package kalshi

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	mrand "math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rooneydude/kalshibot/internal/domain"
)

const (
	maxAttempts    = 4
	backoffBase    = 500 * time.Millisecond
	backoffCeiling = 30 * time.Second
	marketPageSize = "1000"
)

// Client is the REST client for the Kalshi exchange API.
type Client struct {
	baseURL    string
	apiKeyID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	limiter    domain.RateLimiter
	logger     *slog.Logger
}

// NewClient creates a new Kalshi REST client. limiter may be nil, in which
// case calls are not throttled locally.
func NewClient(baseURL, apiKeyID string, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		apiKeyID: apiKeyID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
		logger:  logger.With(slog.String("component", "kalshi_client")),
	}
}

// SetRSAPrivateKey loads an RSA private key from PEM-encoded bytes and
// configures the client for RSA-signed authentication.
func (c *Client) SetRSAPrivateKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("kalshi: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		c.privateKey = pkcs1Key
		return nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	c.privateKey = rsaKey
	return nil
}

// --------------------------------------------------------------------------
// domain.Exchange implementation
// --------------------------------------------------------------------------

// ListOpenMarkets returns one page of open markets and the cursor for the
// next page ("" when exhausted).
func (c *Client) ListOpenMarkets(ctx context.Context, cursor string) (domain.MarketPage, error) {
	params := url.Values{}
	params.Set("limit", marketPageSize)
	params.Set("status", "open")
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	body, err := c.do(ctx, http.MethodGet, "/markets?"+params.Encode(), nil)
	if err != nil {
		return domain.MarketPage{}, fmt.Errorf("kalshi: list markets: %w", err)
	}

	var resp struct {
		Markets []Market `json:"markets"`
		Cursor  string   `json:"cursor"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.MarketPage{}, fmt.Errorf("kalshi: decode markets: %w", err)
	}

	page := domain.MarketPage{NextCursor: resp.Cursor, Markets: make([]domain.Market, 0, len(resp.Markets))}
	now := time.Now().UTC()
	for _, m := range resp.Markets {
		page.Markets = append(page.Markets, toDomainMarket(m, now))
	}
	return page, nil
}

// toDomainMarket converts an API market into the core representation,
// fingerprinting the settlement rules as it goes.
func toDomainMarket(m Market, now time.Time) domain.Market {
	closeTime, _ := time.Parse(time.RFC3339, m.CloseTime)
	status := domain.MarketStatus(m.Status)
	switch status {
	case domain.MarketStatusOpen, domain.MarketStatusClosed, domain.MarketStatusSettled:
	default:
		status = domain.MarketStatusClosed
	}
	depth := m.OpenInterest
	return domain.Market{
		Ticker:      m.Ticker,
		EventTicker: m.EventTicker,
		Title:       m.Title,
		Subtitle:    m.Subtitle,
		Category:    m.Category,
		Status:      status,
		Quote: domain.Quote{
			YesBid:      m.YesBid,
			YesAsk:      m.YesAsk,
			NoBid:       m.NoBid,
			NoAsk:       m.NoAsk,
			YesBidDepth: depth,
			YesAskDepth: depth,
		},
		RulesText: m.RulesPrimary,
		RulesHash: domain.RulesFingerprint(m.RulesPrimary),
		CloseTime: closeTime,
		UpdatedAt: now,
	}
}

// GetOrderbook returns top-of-book with depth for the given ticker. Kalshi
// books carry resting YES and NO bids; the YES ask is the complement of the
// best NO bid.
func (c *Client) GetOrderbook(ctx context.Context, ticker string) (domain.Quote, error) {
	path := fmt.Sprintf("/markets/%s/orderbook", url.PathEscape(ticker))
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("kalshi: get orderbook %s: %w", ticker, err)
	}

	var resp struct {
		Orderbook Orderbook `json:"orderbook"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("kalshi: decode orderbook: %w", err)
	}

	var q domain.Quote
	if n := len(resp.Orderbook.Yes); n > 0 {
		best := resp.Orderbook.Yes[n-1]
		q.YesBid = best.Price()
		q.YesBidDepth = best.Quantity()
		q.NoAsk = 100 - best.Price()
	}
	if n := len(resp.Orderbook.No); n > 0 {
		best := resp.Orderbook.No[n-1]
		q.NoBid = best.Price()
		q.YesAsk = 100 - best.Price()
		q.YesAskDepth = best.Quantity()
	}
	return q, nil
}

// ListEvents returns all events with their member tickers.
func (c *Client) ListEvents(ctx context.Context) ([]domain.Event, error) {
	var out []domain.Event
	cursor := ""
	for {
		params := url.Values{}
		params.Set("limit", "200")
		params.Set("with_nested_markets", "true")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		body, err := c.do(ctx, http.MethodGet, "/events?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("kalshi: list events: %w", err)
		}
		var resp struct {
			Events []Event `json:"events"`
			Cursor string  `json:"cursor"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("kalshi: decode events: %w", err)
		}
		for _, ev := range resp.Events {
			out = append(out, toDomainEvent(ev))
		}
		if resp.Cursor == "" || len(resp.Events) == 0 {
			return out, nil
		}
		cursor = resp.Cursor
	}
}

// GetEvent returns a single event by its ticker.
func (c *Client) GetEvent(ctx context.Context, eventTicker string) (domain.Event, error) {
	path := fmt.Sprintf("/events/%s?with_nested_markets=true", url.PathEscape(eventTicker))
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.Event{}, fmt.Errorf("kalshi: get event %s: %w", eventTicker, err)
	}
	var resp struct {
		Event Event `json:"event"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Event{}, fmt.Errorf("kalshi: decode event: %w", err)
	}
	return toDomainEvent(resp.Event), nil
}

func toDomainEvent(ev Event) domain.Event {
	tickers := make([]string, 0, len(ev.Markets))
	for _, m := range ev.Markets {
		tickers = append(tickers, m.Ticker)
	}
	return domain.Event{EventTicker: ev.EventTicker, Title: ev.Title, Tickers: tickers}
}

// PlaceOrder submits a limit order. The request's idempotency key becomes
// the client_order_id, so resubmitting the same attempt never produces two
// exchange orders.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	order := Order{
		Ticker:        req.Ticker,
		ClientOrderID: req.IdempotencyKey,
		Action:        string(req.Action),
		Side:          string(req.Side),
		Type:          "limit",
		Count:         req.Count,
	}
	price := req.LimitPriceCents
	if req.Side == domain.SideYes {
		order.YesPrice = &price
	} else {
		order.NoPrice = &price
	}
	if req.ExpirationTs > 0 {
		exp := req.ExpirationTs
		order.Expiration = &exp
	}

	body, err := c.do(ctx, http.MethodPost, "/portfolio/orders", order)
	if err != nil {
		return "", fmt.Errorf("kalshi: place order: %w", err)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("kalshi: decode order response: %w", err)
	}
	if resp.Order.Status == "canceled" {
		return resp.Order.OrderID, fmt.Errorf("kalshi: order immediately cancelled: %w", domain.ErrRejected)
	}
	return resp.Order.OrderID, nil
}

// GetOrder returns the current status of an order. The call is idempotent.
func (c *Client) GetOrder(ctx context.Context, orderID string) (domain.OrderState, error) {
	path := fmt.Sprintf("/portfolio/orders/%s", url.PathEscape(orderID))
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("kalshi: get order %s: %w", orderID, err)
	}
	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderState{}, fmt.Errorf("kalshi: decode order: %w", err)
	}

	o := resp.Order
	filled := o.TakerFillCount + o.MakerFillCount
	var avg int64
	if filled > 0 {
		avg = (o.TakerFillCost + o.MakerFillCost) / filled
	}
	status := domain.OrderStatus(o.Status)
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusResting, domain.OrderStatusExecuted, domain.OrderStatusCanceled:
	default:
		status = domain.OrderStatusPending
	}
	return domain.OrderState{
		OrderID:       o.OrderID,
		Ticker:        o.Ticker,
		Status:        status,
		FilledCount:   filled,
		AvgPriceCents: avg,
	}, nil
}

// CancelOrder cancels an existing order by its ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	path := fmt.Sprintf("/portfolio/orders/%s", url.PathEscape(orderID))
	if _, err := c.do(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("kalshi: cancel order %s: %w", orderID, err)
	}
	return nil
}

// ListPositions returns the exchange's view of all open positions.
func (c *Client) ListPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	body, err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: list positions: %w", err)
	}
	var resp struct {
		MarketPositions []MarketPosition `json:"market_positions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode positions: %w", err)
	}
	out := make([]domain.ExchangePosition, 0, len(resp.MarketPositions))
	for _, p := range resp.MarketPositions {
		var avg int64
		if p.Position != 0 {
			avg = p.TotalTradedCents / absInt64(p.Position)
		}
		out = append(out, domain.ExchangePosition{
			Ticker:        p.Ticker,
			NetContracts:  p.Position,
			AvgPriceCents: avg,
		})
	}
	return out, nil
}

// GetBalance returns the account cash balance.
func (c *Client) GetBalance(ctx context.Context) (domain.Balance, error) {
	body, err := c.do(ctx, http.MethodGet, "/portfolio/balance", nil)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("kalshi: get balance: %w", err)
	}
	var resp BalanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Balance{}, fmt.Errorf("kalshi: decode balance: %w", err)
	}
	return domain.Balance{Cents: resp.Balance}, nil
}

var _ domain.Exchange = (*Client)(nil)

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// --------------------------------------------------------------------------
// Transport: rate limiting, signing, retry with backoff
// --------------------------------------------------------------------------

// do runs one signed request with local rate limiting and bounded retries.
// Transient failures back off exponentially with jitter; a 429 with a
// Retry-After header sleeps at least that long. Exhausted retries surface
// as ErrUnavailable.
func (c *Client) do(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var lastErr error
	authRetried := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, "kalshi"); err != nil {
				return nil, err
			}
		}

		body, retryAfter, err := c.doOnce(ctx, method, path, reqBody)
		if err == nil {
			return body, nil
		}
		lastErr = err

		// Only transient classes are retried. An auth rejection gets one
		// immediate retry, which re-signs the request with a fresh timestamp.
		if !isRetryable(err) {
			if errors.Is(err, domain.ErrAuthExpired) && !authRetried {
				authRetried = true
				continue
			}
			return nil, err
		}

		delay := backoffBase * time.Duration(math.Pow(2, float64(attempt)))
		if delay > backoffCeiling {
			delay = backoffCeiling
		}
		delay += time.Duration(mrand.Int63n(int64(delay) / 4))
		if retryAfter > delay {
			delay = retryAfter
		}
		c.logger.WarnContext(ctx, "kalshi request retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("kalshi: %s %s after %d attempts: %w (%v)", method, path, maxAttempts, domain.ErrUnavailable, lastErr)
}

func isRetryable(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrUnavailable)
}

func (c *Client) doOnce(ctx context.Context, method, path string, reqBody any) ([]byte, time.Duration, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if err := c.signRequest(req, method, path); err != nil {
		return nil, 0, fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w: %v", domain.ErrUnavailable, err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, retryAfter, err
	}
	return respBody, 0, nil
}

// signRequest adds RSA authentication headers. Kalshi uses RSA-PSS-SHA256
// signatures over timestamp + method + path.
func (c *Client) signRequest(req *http.Request, method, path string) error {
	if c.privateKey == nil {
		// Unsigned requests still work for public market data.
		return nil
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := ts + method + "/trade-api/v2" + stripQuery(path)

	hash := sha256.Sum256([]byte(message))
	signature, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return fmt.Errorf("RSA sign: %w", err)
	}

	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(signature))
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return nil
}

func stripQuery(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '?' {
			return path[:i]
		}
	}
	return path
}

// checkStatus maps non-2xx HTTP status codes onto the core's error kinds.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr ErrorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("kalshi: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrRateLimited)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("kalshi: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrAuthExpired)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("kalshi: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrNotFound)
	case statusCode >= 400 && statusCode < 500:
		return fmt.Errorf("kalshi: HTTP %d %s (%s): %w", statusCode, apiErr.Message, apiErr.Code, domain.ErrRejected)
	default:
		return fmt.Errorf("kalshi: HTTP %d %s (%s): %w", statusCode, apiErr.Message, apiErr.Code, domain.ErrUnavailable)
	}
}
