// Package httpbridge is a gateway.Client speaking a small JSON contract to
// an HTTP messaging bridge.
package httpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"promobot/internal/domain"
	"promobot/internal/gateway"
	"promobot/internal/observability"
	logx "promobot/pkg/logx"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Breaker BreakerConfig
}

type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	OpenTimeout         time.Duration
	ConsecutiveFailures uint32
}

type Client struct {
	base    string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *observability.Metrics
	log     logx.Logger
}

var _ gateway.Client = (*Client)(nil)

// errUpstream marks responses that should count against the breaker.
var errUpstream = errors.New("gateway upstream error")

const maxBody = 1 << 20

func New(cfg Config, metrics *observability.Metrics, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("httpbridge: base_url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("httpbridge: base_url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	bc := cfg.Breaker
	if bc.MaxRequests == 0 {
		bc.MaxRequests = 3
	}
	if bc.OpenTimeout <= 0 {
		bc.OpenTimeout = 20 * time.Second
	}
	if bc.ConsecutiveFailures == 0 {
		bc.ConsecutiveFailures = 10
	}
	log = log.With(logx.String("comp", "gateway"))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= bc.ConsecutiveFailures },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("gateway breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return &Client{
		base:    base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: cb,
		metrics: metrics,
		log:     log,
	}, nil
}

type sendRequest struct {
	To      string `json:"to"`
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Media   string `json:"media,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type sendResponse struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (c *Client) SendText(ctx context.Context, phone, text string) (gateway.Result, error) {
	return c.send(ctx, "send_text", sendRequest{To: domain.NormalizePhone(phone), Type: "text", Text: text})
}

func (c *Client) SendMedia(ctx context.Context, phone, mediaRef, caption string) (gateway.Result, error) {
	return c.send(ctx, "send_media", sendRequest{To: domain.NormalizePhone(phone), Type: "media", Media: mediaRef, Caption: caption})
}

func (c *Client) GetMessageStatus(ctx context.Context, waID string) (gateway.Status, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() (any, error) {
		var resp statusResponse
		code, err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(waID)+"/status", nil, &resp)
		if err != nil {
			return nil, err
		}
		if code == http.StatusNotFound {
			return gateway.StatusUnknown, nil
		}
		if code >= 300 {
			return nil, fmt.Errorf("%w: status %d", errUpstream, code)
		}
		return gateway.ParseStatus(resp.Status), nil
	})
	c.metrics.ObserveGateway("status", resultLabel(err), time.Since(start))
	if err != nil {
		return gateway.StatusUnknown, err
	}
	return out.(gateway.Status), nil
}

func (c *Client) send(ctx context.Context, op string, req sendRequest) (gateway.Result, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() (any, error) {
		var resp sendResponse
		code, err := c.do(ctx, http.MethodPost, "/messages", req, &resp)
		if err != nil {
			return nil, err
		}
		if code >= 500 || code == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: status %d", errUpstream, code)
		}
		res := gateway.Result{OK: resp.OK && code < 300, ProviderMessageID: resp.ID, Error: resp.Error}
		if !res.OK && res.Error == "" {
			res.Error = fmt.Sprintf("rejected with status %d", code)
		}
		return res, nil
	})
	c.metrics.ObserveGateway(op, resultLabel(err), time.Since(start))
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.log.Debug("gateway call short-circuited", logx.String("op", op))
		}
		return gateway.Result{Error: err.Error()}, err
	}
	return out.(gateway.Result), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, into any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		// Error bodies are not always JSON.
		_ = json.Unmarshal(raw, into)
	}
	return resp.StatusCode, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "cb_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
