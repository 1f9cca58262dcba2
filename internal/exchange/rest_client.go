package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"spot-grid-trader-go/internal/config"
	"spot-grid-trader-go/internal/models"
)

const (
	baseURL         = "https://api.binance.com/api/v3"
	testnetBaseURL  = "https://testnet.binance.vision/api/v3"
	recvWindow      = "5000" // How long a request is valid in milliseconds
	orderTypeMarket = "MARKET"
	orderSideBuy    = "BUY"
	orderSideSell   = "SELL"

	codeDuplicateOrder = -2010
	codeUnknownOrder   = -2013
)

// RestClient is a client for a Binance-compatible spot REST API.
// It implements MarketDataClient, Gateway, OrderLookup and BalanceSource.
// Each call is a single attempt; retries belong to the caller.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	feeRate   decimal.Decimal
	logger    *zap.Logger
	limiter   *rate.Limiter
}

var (
	_ MarketDataClient = (*RestClient)(nil)
	_ Gateway          = (*RestClient)(nil)
	_ OrderLookup      = (*RestClient)(nil)
	_ BalanceSource    = (*RestClient)(nil)
)

// NewRestClient creates a new REST client. feeRate is used to estimate
// the fee when the exchange reports it in a third asset.
func NewRestClient(cfg *config.Exchange, feeRate float64, logger *zap.Logger) *RestClient {
	url := cfg.BaseURL
	switch {
	case url != "":
		logger.Info("Using custom exchange endpoint", zap.String("url", url))
	case cfg.Testnet:
		url = testnetBaseURL
		logger.Warn("Using exchange testnet")
	default:
		url = baseURL
		logger.Info("Using exchange production API")
	}

	client := resty.New().SetBaseURL(url)
	if cfg.RequestTimeout > 0 {
		client.SetTimeout(cfg.RequestTimeout)
	}

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		feeRate:   decimal.NewFromFloat(feeRate),
		logger:    logger.Named("exchange"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *RestClient) signedParams(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", c.sign(params.Encode()))
	return params
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// doRequest executes one rate-limited request and classifies its failure:
// network errors, timeouts, 429/418 and 5xx are transient, other statuses fatal.
func (c *RestClient) doRequest(ctx context.Context, method, path string, req *resty.Request) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transient("rate limiter wait failed", err)
	}

	c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		return nil, transient(fmt.Sprintf("%s %s", method, path), err)
	}
	if !resp.IsError() {
		return resp, nil
	}

	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status == 418 || status >= 500 {
		return nil, transient(fmt.Sprintf("%s %s returned %s", method, path, resp.Status()), errors.New(resp.String()))
	}

	var apiErr apiError
	_ = json.Unmarshal(resp.Body(), &apiErr)
	switch apiErr.Code {
	case codeDuplicateOrder:
		if apiErr.Msg == "Duplicate order sent." {
			return nil, fatal(apiErr.Msg, ErrDuplicateOrder)
		}
	case codeUnknownOrder:
		return nil, fatal(apiErr.Msg, ErrOrderNotFound)
	}
	return nil, fatal(fmt.Sprintf("%s %s returned %s", method, path, resp.Status()), errors.New(resp.String()))
}

// GetServerTime fetches the current server time.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type serverTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().SetResult(&serverTimeResponse{})
	resp, err := c.doRequest(ctx, http.MethodGet, "/time", req)
	if err != nil {
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}
	return resp.Result().(*serverTimeResponse).ServerTime, nil
}

type ticker24hResponse struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	HighPrice string `json:"highPrice"`
	LowPrice  string `json:"lowPrice"`
	Volume    string `json:"volume"`
}

// GetTicker fetches the 24h ticker for symbol ("BTC/USDT").
func (c *RestClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	wire, err := wireSymbol(symbol)
	if err != nil {
		return nil, err
	}

	req := c.client.R().
		SetQueryParam("symbol", wire).
		SetResult(&ticker24hResponse{})
	resp, err := c.doRequest(ctx, http.MethodGet, "/ticker/24hr", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}

	r := resp.Result().(*ticker24hResponse)
	last, err := decimal.NewFromString(r.LastPrice)
	if err != nil || !last.IsPositive() {
		return nil, transient(fmt.Sprintf("invalid last price %q for %s", r.LastPrice, symbol), err)
	}
	return &Ticker{
		Symbol:  symbol,
		Last:    last,
		Bid:     parseDecimal(r.BidPrice),
		Ask:     parseDecimal(r.AskPrice),
		High24h: parseDecimal(r.HighPrice),
		Low24h:  parseDecimal(r.LowPrice),
		Volume:  parseDecimal(r.Volume),
	}, nil
}

type orderFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// orderResponse is the FULL response of POST /order and the response of GET /order.
type orderResponse struct {
	Symbol              string      `json:"symbol"`
	OrderID             int64       `json:"orderId"`
	ClientOrderID       string      `json:"clientOrderId"`
	TransactTime        int64       `json:"transactTime"`
	UpdateTime          int64       `json:"updateTime"`
	ExecutedQuantity    string      `json:"executedQty"`
	CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	Status              string      `json:"status"`
	Side                string      `json:"side"`
	Fills               []orderFill `json:"fills"`
}

// SubmitOrder places a MARKET order tagged with the request's client order id.
func (c *RestClient) SubmitOrder(ctx context.Context, o OrderRequest) (*Fill, error) {
	base, quote, err := SplitSymbol(o.Symbol)
	if err != nil {
		return nil, err
	}

	side := orderSideBuy
	if o.Side == models.ActionSell {
		side = orderSideSell
	}

	params := url.Values{}
	params.Set("symbol", base+quote)
	params.Set("side", side)
	params.Set("type", orderTypeMarket)
	params.Set("quantity", o.Amount.String())
	params.Set("newClientOrderId", o.ClientOrderID)
	params.Set("newOrderRespType", "FULL")
	params = c.signedParams(params)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(params.Encode()).
		SetResult(&orderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/order", req)
	if err != nil {
		c.logger.Warn("Order submission failed",
			zap.String("symbol", o.Symbol),
			zap.String("client_order_id", o.ClientOrderID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	fill, err := c.toFill(resp.Result().(*orderResponse), base, quote)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Order filled",
		zap.String("symbol", o.Symbol),
		zap.String("side", side),
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("price", fill.Price.String()),
		zap.String("amount", fill.Amount.String()))
	return fill, nil
}

// LookupOrder queries an order by client order id.
func (c *RestClient) LookupOrder(ctx context.Context, symbol, clientOrderID string) (*Fill, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", base+quote)
	params.Set("origClientOrderId", clientOrderID)
	params = c.signedParams(params)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(params.Encode()).
		SetResult(&orderResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/order", req)
	if err != nil {
		return nil, fmt.Errorf("failed to look up order %s: %w", clientOrderID, err)
	}
	return c.toFill(resp.Result().(*orderResponse), base, quote)
}

func (c *RestClient) toFill(r *orderResponse, base, quote string) (*Fill, error) {
	executed := parseDecimal(r.ExecutedQuantity)
	quoteQty := parseDecimal(r.CummulativeQuoteQty)
	if !executed.IsPositive() {
		return nil, fatal(fmt.Sprintf("order %s not filled (status %s)", r.ClientOrderID, r.Status), nil)
	}
	price := quoteQty.Div(executed)

	fee := decimal.Zero
	amount := executed
	estimated := len(r.Fills) == 0
	for _, f := range r.Fills {
		commission := parseDecimal(f.Commission)
		switch {
		case f.CommissionAsset == quote:
			fee = fee.Add(commission)
		case f.CommissionAsset == base && r.Side == orderSideBuy:
			// Taken from the bought quantity, so less base reaches the account.
			amount = amount.Sub(commission)
			fee = fee.Add(commission.Mul(price))
		case f.CommissionAsset == base:
			fee = fee.Add(commission.Mul(parseDecimal(f.Price)))
		default:
			estimated = true
		}
	}
	if estimated {
		fee = quoteQty.Mul(c.feeRate)
		amount = executed
	}

	ts := r.TransactTime
	if ts == 0 {
		ts = r.UpdateTime
	}
	return &Fill{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Price:         price,
		Amount:        amount,
		Fee:           fee,
		Timestamp:     time.UnixMilli(ts).UTC(),
	}, nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// GetBalances fetches the non-zero balances of the account.
func (c *RestClient) GetBalances(ctx context.Context) (map[string]AssetBalance, error) {
	params := c.signedParams(url.Values{})
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(params.Encode()).
		SetResult(&accountResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/account", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account balances: %w", err)
	}

	out := make(map[string]AssetBalance)
	for _, b := range resp.Result().(*accountResponse).Balances {
		free, locked := parseDecimal(b.Free), parseDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[b.Asset] = AssetBalance{Free: free, Locked: locked}
	}
	return out, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
