// Package gateway is the REST client for the execution gateway, the service
// that quotes prices, scores instruments, routes orders and publishes entry
// candidates on trailbot's behalf.
package gateway

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

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// SlippageBps is sent with every order.
	SlippageBps int
	// MaxRiskScore turns a "safe" verdict into unsafe when the score is above
	// it. Zero disables the check.
	MaxRiskScore float64
	// SignalLimit bounds the candidates returned per poll.
	SignalLimit int
}

// Client implements domain.PriceSource, domain.SafetyScreener,
// domain.OrderExecutor and domain.SignalSource over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	cfg        Config
	httpClient *http.Client
}

// New creates a gateway client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type priceResponse struct {
	Price float64 `json:"price"`
}

// CurrentPrice quotes instrument. Unknown instruments and non-positive
// prices wrap domain.ErrPriceUnavailable.
func (c *Client) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	var resp priceResponse
	if err := c.do(ctx, http.MethodGet, "/price/"+url.PathEscape(instrument), nil, &resp); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("gateway: price %s: %w: %w", instrument, domain.ErrPriceUnavailable, err)
		}
		return 0, fmt.Errorf("gateway: price %s: %w", instrument, err)
	}
	if resp.Price <= 0 {
		return 0, fmt.Errorf("gateway: price %s: %w", instrument, domain.ErrPriceUnavailable)
	}
	return resp.Price, nil
}

// Assess asks the gateway's screener about instrument.
func (c *Client) Assess(ctx context.Context, instrument string) (domain.SafetyVerdict, error) {
	var v domain.SafetyVerdict
	if err := c.do(ctx, http.MethodGet, "/safety/"+url.PathEscape(instrument), nil, &v); err != nil {
		return domain.SafetyVerdict{}, fmt.Errorf("gateway: assess %s: %w", instrument, err)
	}
	if v.Safe && c.cfg.MaxRiskScore > 0 && v.RiskScore > c.cfg.MaxRiskScore {
		v.Safe = false
		v.Reason = fmt.Sprintf("risk score %.1f above limit %.1f", v.RiskScore, c.cfg.MaxRiskScore)
	}
	return v, nil
}

type buyRequest struct {
	Instrument  string  `json:"instrument"`
	Amount      float64 `json:"amount"`
	SlippageBps int     `json:"slippage_bps"`
}

type buyResponse struct {
	Success        bool    `json:"success"`
	FilledQuantity float64 `json:"filled_quantity"`
	Spent          float64 `json:"spent"`
	TxID           string  `json:"tx_id"`
	Message        string  `json:"message"`
}

// Buy spends amount of base currency on instrument.
func (c *Client) Buy(ctx context.Context, instrument string, amount float64) (domain.BuyResult, error) {
	var resp buyResponse
	req := buyRequest{Instrument: instrument, Amount: amount, SlippageBps: c.cfg.SlippageBps}
	if err := c.do(ctx, http.MethodPost, "/orders/buy", req, &resp); err != nil {
		return domain.BuyResult{}, fmt.Errorf("gateway: buy %s: %w", instrument, err)
	}
	return domain.BuyResult{
		Success:        resp.Success,
		FilledQuantity: resp.FilledQuantity,
		Spent:          resp.Spent,
		TxID:           resp.TxID,
		Message:        resp.Message,
	}, nil
}

type sellRequest struct {
	Instrument  string  `json:"instrument"`
	Quantity    float64 `json:"quantity"`
	SlippageBps int     `json:"slippage_bps"`
}

type sellResponse struct {
	Success  bool    `json:"success"`
	Proceeds float64 `json:"proceeds"`
	TxID     string  `json:"tx_id"`
	Message  string  `json:"message"`
}

// Sell sells quantity of instrument.
func (c *Client) Sell(ctx context.Context, instrument string, quantity float64) (domain.SellResult, error) {
	var resp sellResponse
	req := sellRequest{Instrument: instrument, Quantity: quantity, SlippageBps: c.cfg.SlippageBps}
	if err := c.do(ctx, http.MethodPost, "/orders/sell", req, &resp); err != nil {
		return domain.SellResult{}, fmt.Errorf("gateway: sell %s: %w", instrument, err)
	}
	return domain.SellResult{
		Success:  resp.Success,
		Proceeds: resp.Proceeds,
		TxID:     resp.TxID,
		Message:  resp.Message,
	}, nil
}

// Candidates polls the gateway for entry candidates.
func (c *Client) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	path := "/signals"
	if c.cfg.SignalLimit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(c.cfg.SignalLimit)}}.Encode()
	}
	var out []domain.Candidate
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("gateway: candidates: %w", err)
	}
	return out, nil
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. Anything
// without a specific mapping is an execution failure.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := strings.TrimSpace(string(body))
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrExecutionFailed, statusCode, bodyStr)
	}
}

// AllowAll is the screener used when safety screening is disabled.
type AllowAll struct{}

// Assess always reports safe.
func (AllowAll) Assess(context.Context, string) (domain.SafetyVerdict, error) {
	return domain.SafetyVerdict{Safe: true, Reason: "screening disabled"}, nil
}

var (
	_ domain.PriceSource    = (*Client)(nil)
	_ domain.SafetyScreener = (*Client)(nil)
	_ domain.OrderExecutor  = (*Client)(nil)
	_ domain.SignalSource   = (*Client)(nil)
	_ domain.SafetyScreener = AllowAll{}
)
