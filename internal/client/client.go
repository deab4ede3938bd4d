package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"amm-sandbox/internal/model"
)

// APIError is a non-2xx response from the sandbox server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to an ammd server over its JSON API. Trades are not retried.
type Client struct {
	http *resty.Client
	base string
}

func New(host string) *Client {
	host = strings.TrimSuffix(host, "/")
	c := resty.New().
		SetBaseURL(host).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "ammctl")
	return &Client{http: c, base: host}
}

// SetToken attaches an operator token to every later request.
func (c *Client) SetToken(token string) { c.http.SetAuthToken(token) }

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx).SetError(&errorBody{})
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		msg := resp.Status()
		if e, ok := resp.Error().(*errorBody); ok && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode(), Message: msg}
	}
	return nil
}

func marketPath(key, suffix string) string {
	return "/api/markets/" + url.PathEscape(key) + suffix
}

func adminPath(key, suffix string) string {
	return "/api/admin/markets/" + url.PathEscape(key) + suffix
}

// ── Auth ─────────────────────────────────────────────

// Login exchanges the operator password for a token and keeps it.
func (c *Client) Login(ctx context.Context, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, resty.MethodPost, "/api/login", map[string]string{"password": password}, &out); err != nil {
		return "", err
	}
	c.SetToken(out.Token)
	return out.Token, nil
}

// ── Queries ──────────────────────────────────────────

func (c *Client) Markets(ctx context.Context) ([]model.MarketInfo, error) {
	var out []model.MarketInfo
	err := c.do(ctx, resty.MethodGet, "/api/markets", nil, &out)
	return out, err
}

func (c *Client) Market(ctx context.Context, key string) (model.MarketInfo, error) {
	var out model.MarketInfo
	err := c.do(ctx, resty.MethodGet, marketPath(key, ""), nil, &out)
	return out, err
}

func (c *Client) Price(ctx context.Context, key string) (float64, error) {
	var out struct {
		Price float64 `json:"price"`
	}
	err := c.do(ctx, resty.MethodGet, marketPath(key, "/price"), nil, &out)
	return out.Price, err
}

func (c *Client) Reserves(ctx context.Context, key string) (model.Reserves, error) {
	var out model.Reserves
	err := c.do(ctx, resty.MethodGet, marketPath(key, "/reserves"), nil, &out)
	return out, err
}

func (c *Client) Balance(ctx context.Context, key, wallet string) (model.WalletBalance, error) {
	var out model.WalletBalance
	err := c.do(ctx, resty.MethodGet, marketPath(key, "/balances/"+url.PathEscape(wallet)), nil, &out)
	return out, err
}

func (c *Client) Trades(ctx context.Context, key string) ([]model.Trade, error) {
	var out struct {
		Transactions []model.Trade `json:"transactions"`
	}
	err := c.do(ctx, resty.MethodGet, marketPath(key, "/trades"), nil, &out)
	return out.Transactions, err
}

func (c *Client) Changes(ctx context.Context, key string) ([]model.WalletChange, error) {
	var out struct {
		Changes []model.WalletChange `json:"changes"`
	}
	err := c.do(ctx, resty.MethodGet, marketPath(key, "/changes"), nil, &out)
	return out.Changes, err
}

// ── Trading ──────────────────────────────────────────

type tradeBody struct {
	WalletAddress string  `json:"walletAddress"`
	Amount        float64 `json:"amount"`
}

func (c *Client) Buy(ctx context.Context, key, wallet string, quoteIn float64) (model.Trade, error) {
	var out model.Trade
	err := c.do(ctx, resty.MethodPost, marketPath(key, "/buy"), tradeBody{wallet, quoteIn}, &out)
	return out, err
}

func (c *Client) Sell(ctx context.Context, key, wallet string, tokenIn float64) (model.Trade, error) {
	var out model.Trade
	err := c.do(ctx, resty.MethodPost, marketPath(key, "/sell"), tradeBody{wallet, tokenIn}, &out)
	return out, err
}

// ── Admin ────────────────────────────────────────────

type batchBody struct {
	Trades []model.Trade `json:"trades"`
}

func (c *Client) CreateMarket(ctx context.Context, params model.MarketParams) (model.MarketInfo, error) {
	var out model.MarketInfo
	err := c.do(ctx, resty.MethodPost, "/api/admin/markets", params, &out)
	return out, err
}

func (c *Client) Distribute(ctx context.Context, key string, plan model.DistributionPlan) ([]model.Trade, error) {
	var out batchBody
	err := c.do(ctx, resty.MethodPost, adminPath(key, "/distribute"), plan, &out)
	return out.Trades, err
}

func (c *Client) Reset(ctx context.Context, key string) ([]model.Trade, error) {
	var out batchBody
	err := c.do(ctx, resty.MethodPost, adminPath(key, "/reset"), nil, &out)
	return out.Trades, err
}

func (c *Client) RegisterPool(ctx context.Context, key string, pool model.RandomPool) ([]string, error) {
	var out struct {
		Pool []string `json:"pool"`
	}
	err := c.do(ctx, resty.MethodPost, adminPath(key, "/pool"), pool, &out)
	return out.Pool, err
}

func (c *Client) StartRandomTrades(ctx context.Context, key string, numTrades int, interval time.Duration, regime model.Regime) (model.GeneratorRun, error) {
	body := map[string]any{"num_trades": numTrades, "interval": interval.String(), "regime": regime}
	var out model.GeneratorRun
	err := c.do(ctx, resty.MethodPost, adminPath(key, "/random-trades"), body, &out)
	return out, err
}

func (c *Client) Runs(ctx context.Context, key string) ([]model.GeneratorRun, error) {
	var out []model.GeneratorRun
	err := c.do(ctx, resty.MethodGet, adminPath(key, "/runs"), nil, &out)
	return out, err
}

func (c *Client) Run(ctx context.Context, id string) (model.GeneratorRun, error) {
	var out model.GeneratorRun
	err := c.do(ctx, resty.MethodGet, "/api/admin/runs/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CancelRun(ctx context.Context, id string) (model.GeneratorRun, error) {
	var out model.GeneratorRun
	err := c.do(ctx, resty.MethodDelete, "/api/admin/runs/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ── Live feed ────────────────────────────────────────

type orderMsg struct {
	Type     string                  `json:"type"`
	MarketID string                  `json:"market_id"`
	Data     model.OrderNotification `json:"data"`
}

// Watch subscribes to a market's order feed and calls fn for each order
// until ctx is done or the connection drops.
func (c *Client) Watch(ctx context.Context, key string, fn func(model.OrderNotification)) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(map[string]string{"action": "subscribe", "market_id": key}); err != nil {
		return err
	}
	for {
		var msg orderMsg
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.Type == "order" {
			fn(msg.Data)
		}
	}
}
