package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/logging"
	"evo-trader/internal/models"
)

// OKXConfig holds configuration for the OKX adapter.
type OKXConfig struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	Passphrase    string
	Simulated     bool
	RatePerSecond float64
	Timeout       time.Duration
	Leverage      float64
}

// OKX business codes that mean "try again later".
var okxTransientCodes = map[string]bool{
	"50001": true, // service temporarily unavailable
	"50004": true, // endpoint request timeout
	"50011": true, // rate limit reached
	"50013": true, // system busy
	"50026": true, // system error
}

const okxOrderNotFound = "51603"

// OKX is a REST adapter for OKX perpetual swaps.
type OKX struct {
	cfg     OKXConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	instruments map[string]instrument
}

type instrument struct {
	ctVal  decimal.Decimal
	lotSz  decimal.Decimal
	minSz  decimal.Decimal
	tickSz decimal.Decimal
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// NewOKX creates a new OKX adapter.
func NewOKX(cfg OKXConfig, logger zerolog.Logger) *OKX {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.okx.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}

	logger = logging.WithComponent(logger, "okx")

	settings := gobreaker.Settings{
		Name:        "okx",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Business rejections mean the venue is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || !apperrors.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	return &OKX{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)+1),
		breaker:     gobreaker.NewCircuitBreaker(settings),
		logger:      logger,
		now:         time.Now,
		instruments: make(map[string]instrument),
	}
}

// Name returns the venue name.
func (o *OKX) Name() string {
	return "okx"
}

// Sign returns the base64 HMAC-SHA256 OKX request signature.
func Sign(secret, timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ClientOrderID converts an internal ID to OKX's alphanumeric clOrdId form.
func ClientOrderID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 32 {
		id = id[:32]
	}
	return id
}

func (o *OKX) do(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, out interface{}) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return apperrors.NewTransientError("rate_wait", "rate limiter wait", err)
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	start := o.now()
	_, err := o.breaker.Execute(func() (interface{}, error) {
		return nil, o.send(ctx, method, requestPath, payload, signed, out)
	})
	logging.LogAPICall(o.logger, method, path, o.now().Sub(start), err)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.NewTransientError("breaker_open", "okx circuit open", fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err))
	}
	return err
}

func (o *OKX) send(ctx context.Context, method, requestPath string, payload []byte, signed bool, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.cfg.BaseURL+requestPath, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		ts := o.now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", o.cfg.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", Sign(o.cfg.APISecret, ts, method, requestPath, string(payload)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", o.cfg.Passphrase)
	}
	if o.cfg.Simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return apperrors.NewTransientError("network", "okx request failed", fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewTransientError("read", "okx response read failed", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.NewTransientError("429", "okx rate limited", apperrors.ErrRateLimited)
	case resp.StatusCode >= 500:
		return apperrors.NewTransientError(strconv.Itoa(resp.StatusCode), "okx server error", apperrors.ErrConnectionFailed)
	}

	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return apperrors.NewRejectedError(strconv.Itoa(resp.StatusCode), logging.Redact(strings.TrimSpace(string(raw))), apperrors.ErrOrderRejected)
		}
		return apperrors.NewTransientError("decode", "okx response not JSON", err)
	}

	if env.Code != "0" {
		return envelopeError(env)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode okx data: %w", err)
		}
	}
	return nil
}

// envelopeError classifies a failed response. A per-order sCode in data is
// more specific than the envelope code and wins when present.
func envelopeError(env okxEnvelope) error {
	var items []struct {
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &items) == nil &&
		len(items) > 0 && items[0].SCode != "" && items[0].SCode != "0" {
		return businessError(items[0].SCode, items[0].SMsg)
	}
	return businessError(env.Code, env.Msg)
}

func businessError(code, msg string) error {
	switch {
	case okxTransientCodes[code]:
		return apperrors.NewTransientError(code, msg, apperrors.ErrRateLimited)
	case code == okxOrderNotFound:
		return apperrors.NewRejectedError(code, msg, apperrors.ErrOrderNotFound)
	default:
		return apperrors.NewRejectedError(code, msg, apperrors.ErrOrderRejected)
	}
}

func (o *OKX) instrument(ctx context.Context, symbol string) (instrument, error) {
	o.mu.RLock()
	inst, ok := o.instruments[symbol]
	o.mu.RUnlock()
	if ok {
		return inst, nil
	}

	var data []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
		TickSz string `json:"tickSz"`
	}
	q := url.Values{"instType": {"SWAP"}, "instId": {symbol}}
	if err := o.do(ctx, http.MethodGet, "/api/v5/public/instruments", q, nil, false, &data); err != nil {
		return instrument{}, err
	}
	if len(data) == 0 {
		return instrument{}, apperrors.NewRejectedError("unknown_instrument", symbol, apperrors.ErrInvalidOrder)
	}

	inst = instrument{
		ctVal:  parseDecimal(data[0].CtVal, decimal.NewFromInt(1)),
		lotSz:  parseDecimal(data[0].LotSz, decimal.Zero),
		minSz:  parseDecimal(data[0].MinSz, decimal.Zero),
		tickSz: parseDecimal(data[0].TickSz, decimal.Zero),
	}
	o.mu.Lock()
	o.instruments[symbol] = inst
	o.mu.Unlock()
	return inst, nil
}

// contracts converts a base-asset size to a lot-aligned contract count.
func (i instrument) contracts(size float64) decimal.Decimal {
	n := decimal.NewFromFloat(size)
	if i.ctVal.IsPositive() {
		n = n.Div(i.ctVal)
	}
	if i.lotSz.IsPositive() {
		n = n.Div(i.lotSz).Floor().Mul(i.lotSz)
	}
	return n
}

func (i instrument) price(p float64) string {
	d := decimal.NewFromFloat(p)
	if i.tickSz.IsPositive() {
		d = d.Div(i.tickSz).Round(0).Mul(i.tickSz)
	}
	return d.String()
}

func parseDecimal(s string, def decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return def
	}
	return d
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

type okxAlgo struct {
	TpTriggerPx string `json:"tpTriggerPx,omitempty"`
	TpOrdPx     string `json:"tpOrdPx,omitempty"`
	SlTriggerPx string `json:"slTriggerPx,omitempty"`
	SlOrdPx     string `json:"slOrdPx,omitempty"`
}

type okxOrderRequest struct {
	InstID         string    `json:"instId"`
	TdMode         string    `json:"tdMode"`
	ClOrdID        string    `json:"clOrdId"`
	Side           string    `json:"side"`
	OrdType        string    `json:"ordType"`
	Sz             string    `json:"sz"`
	ReduceOnly     bool      `json:"reduceOnly,omitempty"`
	AttachAlgoOrds []okxAlgo `json:"attachAlgoOrds,omitempty"`
}

// PlaceOrder submits a market order. The client order ID is sent as clOrdId,
// which OKX rejects as a duplicate if it was already accepted.
func (o *OKX) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderStatus, error) {
	inst, err := o.instrument(ctx, req.Symbol)
	if err != nil {
		return models.OrderStatus{}, err
	}

	sz := inst.contracts(req.Size)
	if !sz.IsPositive() || (inst.minSz.IsPositive() && sz.LessThan(inst.minSz)) {
		return models.OrderStatus{}, apperrors.NewRejectedError("size_too_small",
			fmt.Sprintf("size %.8f below minimum after lot alignment", req.Size), apperrors.ErrZeroSize)
	}

	side := "buy"
	if req.Direction == models.DirectionShort {
		side = "sell"
	}

	body := okxOrderRequest{
		InstID:     req.Symbol,
		TdMode:     "cross",
		ClOrdID:    ClientOrderID(req.ClientOrderID),
		Side:       side,
		OrdType:    "market",
		Sz:         sz.String(),
		ReduceOnly: req.ReduceOnly,
	}
	if req.TakeProfit > 0 && req.StopLoss > 0 {
		body.AttachAlgoOrds = []okxAlgo{{
			TpTriggerPx: inst.price(req.TakeProfit),
			TpOrdPx:     "-1",
			SlTriggerPx: inst.price(req.StopLoss),
			SlOrdPx:     "-1",
		}}
	}

	var data []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := o.do(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, true, &data); err != nil {
		return models.OrderStatus{}, err
	}
	if len(data) == 0 {
		return models.OrderStatus{}, apperrors.NewTransientError("empty", "okx returned no order data", apperrors.ErrConnectionFailed)
	}
	if data[0].SCode != "" && data[0].SCode != "0" {
		return models.OrderStatus{}, businessError(data[0].SCode, data[0].SMsg)
	}

	return models.OrderStatus{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: data[0].OrdID,
		Symbol:          req.Symbol,
		State:           models.OrderStateOpen,
		UpdatedAt:       o.now(),
	}, nil
}

// QueryOrder looks an order up by client order ID.
func (o *OKX) QueryOrder(ctx context.Context, symbol, clientOrderID string) (models.OrderStatus, error) {
	var data []struct {
		OrdID     string `json:"ordId"`
		State     string `json:"state"`
		AccFillSz string `json:"accFillSz"`
		AvgPx     string `json:"avgPx"`
		UTime     string `json:"uTime"`
	}
	q := url.Values{"instId": {symbol}, "clOrdId": {ClientOrderID(clientOrderID)}}
	if err := o.do(ctx, http.MethodGet, "/api/v5/trade/order", q, nil, true, &data); err != nil {
		return models.OrderStatus{}, err
	}
	if len(data) == 0 {
		return models.OrderStatus{}, fmt.Errorf("okx order %s: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}

	status := models.OrderStatus{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: data[0].OrdID,
		Symbol:          symbol,
		AveragePrice:    parseFloat(data[0].AvgPx),
		UpdatedAt:       time.UnixMilli(int64(parseFloat(data[0].UTime))),
	}

	inst, err := o.instrument(ctx, symbol)
	filled := decimal.NewFromFloat(parseFloat(data[0].AccFillSz))
	if err == nil && inst.ctVal.IsPositive() {
		filled = filled.Mul(inst.ctVal)
	}
	status.FilledSize, _ = filled.Float64()

	switch data[0].State {
	case "filled":
		status.State = models.OrderStateFilled
	case "canceled", "mmp_canceled":
		status.State = models.OrderStateCanceled
	default: // live, partially_filled
		status.State = models.OrderStateOpen
	}
	return status, nil
}

// CancelOrder cancels a resting order by client order ID.
func (o *OKX) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	body := map[string]string{"instId": symbol, "clOrdId": ClientOrderID(clientOrderID)}
	return o.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body, true, nil)
}

// Equity returns the USDT account equity.
func (o *OKX) Equity(ctx context.Context) (float64, error) {
	var data []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy string `json:"ccy"`
			Eq  string `json:"eq"`
		} `json:"details"`
	}
	q := url.Values{"ccy": {"USDT"}}
	if err := o.do(ctx, http.MethodGet, "/api/v5/account/balance", q, nil, true, &data); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("okx balance: %w", apperrors.ErrDataNotFound)
	}
	for _, d := range data[0].Details {
		if d.Ccy == "USDT" {
			return parseFloat(d.Eq), nil
		}
	}
	return parseFloat(data[0].TotalEq), nil
}

// ClosedTrades returns realized P&L since the given time, one entry per
// closing order. A close filled in several pieces produces one bill per
// fill; their P&L and fees are summed. Bills only carry the order ID;
// direction and margin are filled in from the journal.
func (o *OKX) ClosedTrades(ctx context.Context, since time.Time) ([]models.ClosedTrade, error) {
	var data []struct {
		InstID  string `json:"instId"`
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		Pnl     string `json:"pnl"`
		Fee     string `json:"fee"`
		Ts      string `json:"ts"`
	}
	q := url.Values{
		"instType": {"SWAP"},
		"type":     {"2"},
		"begin":    {strconv.FormatInt(since.UnixMilli(), 10)},
	}
	if err := o.do(ctx, http.MethodGet, "/api/v5/account/bills", q, nil, true, &data); err != nil {
		return nil, err
	}

	type closing struct {
		trade    models.ClosedTrade
		pnl, fee decimal.Decimal
	}
	var order []string
	byOrder := make(map[string]*closing)
	for i := len(data) - 1; i >= 0; i-- {
		d := data[i]
		pnl := parseDecimal(d.Pnl, decimal.Zero)
		if pnl.IsZero() {
			continue // opening fill
		}
		closedAt := time.UnixMilli(int64(parseFloat(d.Ts)))
		c, ok := byOrder[d.OrdID]
		if !ok {
			c = &closing{trade: models.ClosedTrade{
				OrderID:       d.OrdID,
				ClientOrderID: d.ClOrdID,
				Symbol:        d.InstID,
			}}
			byOrder[d.OrdID] = c
			order = append(order, d.OrdID)
		}
		c.pnl = c.pnl.Add(pnl)
		c.fee = c.fee.Add(parseDecimal(d.Fee, decimal.Zero))
		if closedAt.After(c.trade.ClosedAt) {
			c.trade.ClosedAt = closedAt
		}
	}

	out := make([]models.ClosedTrade, 0, len(order))
	for _, id := range order {
		c := byOrder[id]
		c.trade.RealizedPnL = c.pnl.InexactFloat64()
		c.trade.Fee = c.fee.InexactFloat64()
		out = append(out, c.trade)
	}
	return out, nil
}

// Candles returns up to limit bars, oldest first.
func (o *OKX) Candles(ctx context.Context, symbol, bar string, limit int) ([]models.Candle, error) {
	var data [][]string
	q := url.Values{"instId": {symbol}, "bar": {bar}, "limit": {strconv.Itoa(limit)}}
	if err := o.do(ctx, http.MethodGet, "/api/v5/market/candles", q, nil, false, &data); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(data))
	for i := len(data) - 1; i >= 0; i-- {
		row := data[i]
		if len(row) < 6 {
			continue
		}
		candles = append(candles, models.Candle{
			Symbol:    symbol,
			Timestamp: time.UnixMilli(int64(parseFloat(row[0]))),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
		})
	}
	return candles, nil
}

// FundingRate returns the current funding rate.
func (o *OKX) FundingRate(ctx context.Context, symbol string) (float64, error) {
	var data []struct {
		FundingRate string `json:"fundingRate"`
	}
	if err := o.do(ctx, http.MethodGet, "/api/v5/public/funding-rate", url.Values{"instId": {symbol}}, nil, false, &data); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return parseFloat(data[0].FundingRate), nil
}

// OpenInterest returns the current open interest in contracts.
func (o *OKX) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	var data []struct {
		OI string `json:"oi"`
	}
	if err := o.do(ctx, http.MethodGet, "/api/v5/public/open-interest", url.Values{"instId": {symbol}}, nil, false, &data); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return parseFloat(data[0].OI), nil
}
