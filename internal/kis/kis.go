// Package kis implements the Korea Investment & Securities open-API
// brokerage client. Every REST call runs Governor → Cache (when the
// operation is cacheable) → HTTPS with headers built from the current
// token. This package owns the platform's only retry loop; callers treat
// a returned error as final.
package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/cache"
	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/governor"
)

const acntPrdtCd = "01" // account product code suffix for cash equity accounts

// TokenSource supplies request credentials. Implemented by token.Manager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) error
}

// TTLs are the cache lifetimes per operation class.
type TTLs struct {
	Price     time.Duration
	OHLCV     time.Duration
	Financial time.Duration
	Universe  time.Duration
}

// Retry bounds the transient-error retry loop.
type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Config wires the client. BaseURL overrides the per-environment default,
// used by tests.
type Config struct {
	Env         Environment
	AppKey      string
	AppSecret   string
	AccountNo   string // 8-digit account prefix (CANO)
	BaseURL     string
	WSURL       string
	Timeout     time.Duration
	Retry       Retry
	MaxInflight int
	TTLs        TTLs
}

// Client is the brokerage client. Safe for concurrent use.
type Client struct {
	cfg      Config
	http     *resty.Client
	gov      *governor.Governor
	store    *cache.Store
	tokens   TokenSource
	trID     trIDs
	inflight chan struct{}
	log      zerolog.Logger
	now      func() time.Time
}

var _ domain.Broker = (*Client)(nil)

// New creates a client. The governor, cache and token source are shared
// process singletons owned by main.
func New(cfg Config, gov *governor.Governor, store *cache.Store, tokens TokenSource, log zerolog.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = baseURLFor(cfg.Env)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = Retry{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 10
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	return &Client{
		cfg:      cfg,
		http:     httpClient,
		gov:      gov,
		store:    store,
		tokens:   tokens,
		trID:     trIDsFor(cfg.Env),
		inflight: make(chan struct{}, cfg.MaxInflight),
		log:      log.With().Str("component", "kis").Logger(),
		now:      time.Now,
	}
}

// apiCall is one REST operation: everything needed to (re)build the
// request on each retry attempt.
type apiCall struct {
	method string
	path   string
	trID   string
	query  map[string]string
	body   any
}

// invoke runs the call under the retry policy:
//   - network error or 5xx: exponential backoff + jitter, max attempts;
//   - token expired: exactly one forced refresh, then one retry;
//   - rate limited: broker wait hint if present, else short backoff,
//     reported to the governor as an observed overrun;
//   - other broker errors: permanent, returned as-is.
//
// Headers are rebuilt on every attempt and the governor is charged per
// request actually issued.
func (c *Client) invoke(ctx context.Context, call apiCall, out apiResponse) error {
	var tokenRetried bool
	backoff := c.cfg.Retry.BaseDelay

	for attempt := 1; ; attempt++ {
		if err := c.gov.Acquire(ctx); err != nil {
			return err
		}

		resp, err := c.send(ctx, call)
		if err == nil {
			if uerr := json.Unmarshal(resp.Body(), out); uerr != nil {
				err = fmt.Errorf("decoding %s response: %w", call.path, uerr)
			} else if resp.StatusCode() < 400 && out.ref().ok() {
				return nil
			} else {
				err = out.ref().apiErr(resp.StatusCode())
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch classify(err) {
		case classTokenExpired:
			if tokenRetried {
				return fmt.Errorf("%s: token rejected again after refresh: %w", call.path, err)
			}
			tokenRetried = true
			c.log.Warn().Str("path", call.path).Msg("Access token rejected; forcing refresh")
			if rerr := c.tokens.ForceRefresh(ctx); rerr != nil {
				return fmt.Errorf("refreshing rejected token: %w", rerr)
			}
			continue

		case classRateLimited:
			c.gov.ObserveRateLimited()
			if attempt >= c.cfg.Retry.MaxAttempts {
				return fmt.Errorf("%s: still rate limited after %d attempts: %w", call.path, attempt, err)
			}
			wait := retryAfterHint(resp)
			if wait <= 0 {
				wait = c.cfg.Retry.BaseDelay
			}
			c.log.Warn().Str("path", call.path).Dur("wait", wait).Msg("Broker rate limited request")
			if serr := sleep(ctx, wait); serr != nil {
				return serr
			}
			continue

		case classRetryable:
			if attempt >= c.cfg.Retry.MaxAttempts {
				return fmt.Errorf("%s: failed after %d attempts: %w", call.path, attempt, err)
			}
			wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
			c.log.Warn().Str("path", call.path).Int("attempt", attempt).Dur("wait", wait).Err(err).
				Msg("Transient brokerage error; retrying")
			if serr := sleep(ctx, wait); serr != nil {
				return serr
			}
			backoff = min(backoff*2, c.cfg.Retry.MaxDelay)
			continue

		default:
			return err
		}
	}
}

// send issues one attempt with freshly generated auth headers.
func (c *Client) send(ctx context.Context, call apiCall) (*resty.Response, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching access token: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+tok).
		SetHeader("appkey", c.cfg.AppKey).
		SetHeader("appsecret", c.cfg.AppSecret).
		SetHeader("tr_id", call.trID).
		SetHeader("custtype", "P")
	if len(call.query) > 0 {
		req.SetQueryParams(call.query)
	}
	if call.body != nil {
		req.SetBody(call.body)
	}
	return req.Execute(call.method, call.path)
}

// GetPrice returns the current-price snapshot for one code. Cached.
func (c *Client) GetPrice(ctx context.Context, code string) (domain.Quote, error) {
	var q domain.Quote
	if err := domain.ValidateCode(code); err != nil {
		return q, err
	}
	err := c.store.GetOrCompute(ctx, cache.Key("kis.get_price", code), c.cfg.TTLs.Price, &q,
		func(ctx context.Context) (any, error) {
			return c.fetchPrice(ctx, code)
		})
	return q, err
}

func (c *Client) fetchPrice(ctx context.Context, code string) (domain.Quote, error) {
	var resp priceResponse
	call := apiCall{
		method: http.MethodGet,
		path:   pathPrice,
		trID:   c.trID.price,
		query: map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         code,
		},
	}
	if err := c.invoke(ctx, call, &resp); err != nil {
		return domain.Quote{}, err
	}
	return resp.Output.toQuote(code, c.now()), nil
}

// GetDailyOHLCV returns up to days daily bars, oldest first. Cached.
func (c *Client) GetDailyOHLCV(ctx context.Context, code string, days int) ([]domain.Candle, error) {
	if err := domain.ValidateCode(code); err != nil {
		return nil, err
	}
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	var candles []domain.Candle
	err := c.store.GetOrCompute(ctx, cache.Key("kis.get_daily_ohlcv", code, days), c.cfg.TTLs.OHLCV, &candles,
		func(ctx context.Context) (any, error) {
			return c.fetchDailyOHLCV(ctx, code, days)
		})
	return candles, err
}

func (c *Client) fetchDailyOHLCV(ctx context.Context, code string, days int) ([]domain.Candle, error) {
	end := c.now()
	// Calendar span doubled to cover weekends and market holidays.
	start := end.AddDate(0, 0, -days*2)

	var resp dailyChartResponse
	call := apiCall{
		method: http.MethodGet,
		path:   pathDailyChart,
		trID:   c.trID.dailyChart,
		query: map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         code,
			"FID_INPUT_DATE_1":       start.Format("20060102"),
			"FID_INPUT_DATE_2":       end.Format("20060102"),
			"FID_PERIOD_DIV_CODE":    "D",
			"FID_ORG_ADJ_PRC":        "0",
		},
	}
	if err := c.invoke(ctx, call, &resp); err != nil {
		return nil, err
	}

	// The broker returns newest first, with blank filler rows at the tail.
	candles := make([]domain.Candle, 0, len(resp.Output2))
	for i := len(resp.Output2) - 1; i >= 0; i-- {
		if resp.Output2[i].Date == "" {
			continue
		}
		candles = append(candles, resp.Output2[i].toCandle())
	}
	if len(candles) > days {
		candles = candles[len(candles)-days:]
	}
	return candles, nil
}

// GetIndexDailyOHLCV returns daily bars of a benchmark index (IndexKOSPI,
// IndexKOSDAQ), oldest first. Cached like the per-stock chart.
func (c *Client) GetIndexDailyOHLCV(ctx context.Context, indexCode string, days int) ([]domain.Candle, error) {
	if indexCode == "" {
		return nil, fmt.Errorf("index code required")
	}
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	var candles []domain.Candle
	err := c.store.GetOrCompute(ctx, cache.Key("kis.get_index_ohlcv", indexCode, days), c.cfg.TTLs.OHLCV, &candles,
		func(ctx context.Context) (any, error) {
			return c.fetchIndexDailyOHLCV(ctx, indexCode, days)
		})
	return candles, err
}

func (c *Client) fetchIndexDailyOHLCV(ctx context.Context, indexCode string, days int) ([]domain.Candle, error) {
	end := c.now()
	start := end.AddDate(0, 0, -days*2)

	var resp indexChartResponse
	call := apiCall{
		method: http.MethodGet,
		path:   pathIndexChart,
		trID:   c.trID.indexChart,
		query: map[string]string{
			"FID_COND_MRKT_DIV_CODE": "U",
			"FID_INPUT_ISCD":         indexCode,
			"FID_INPUT_DATE_1":       start.Format("20060102"),
			"FID_INPUT_DATE_2":       end.Format("20060102"),
			"FID_PERIOD_DIV_CODE":    "D",
		},
	}
	if err := c.invoke(ctx, call, &resp); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(resp.Output2))
	for i := len(resp.Output2) - 1; i >= 0; i-- {
		if resp.Output2[i].Date == "" {
			continue
		}
		candles = append(candles, resp.Output2[i].toCandle())
	}
	if len(candles) > days {
		candles = candles[len(candles)-days:]
	}
	return candles, nil
}

// GetFundamentals returns the most recent financial ratios for one code.
// Ratios move on reporting periods, so the cache TTL is hours, not minutes.
func (c *Client) GetFundamentals(ctx context.Context, code string) (domain.Fundamentals, error) {
	var f domain.Fundamentals
	if err := domain.ValidateCode(code); err != nil {
		return f, err
	}
	err := c.store.GetOrCompute(ctx, cache.Key("kis.get_financials", code), c.cfg.TTLs.Financial, &f,
		func(ctx context.Context) (any, error) {
			return c.fetchFundamentals(ctx, code)
		})
	return f, err
}

func (c *Client) fetchFundamentals(ctx context.Context, code string) (domain.Fundamentals, error) {
	var resp financialRatioResponse
	call := apiCall{
		method: http.MethodGet,
		path:   pathFinanceRatio,
		trID:   c.trID.financeRatio,
		// This endpoint takes lowercase parameter names, unlike the
		// quotation endpoints.
		query: map[string]string{
			"fid_div_cls_code":       "1", // quarterly
			"fid_cond_mrkt_div_code": "J",
			"fid_input_iscd":         code,
		},
	}
	if err := c.invoke(ctx, call, &resp); err != nil {
		return domain.Fundamentals{}, err
	}
	if len(resp.Output) == 0 {
		return domain.Fundamentals{}, fmt.Errorf("no financial ratios reported for %s", code)
	}
	// Newest reporting period first.
	return resp.Output[0].toFundamentals(code, c.now()), nil
}

// GetAccountBalance returns the account cash/equity summary. Never cached.
func (c *Client) GetAccountBalance(ctx context.Context) (domain.Balance, error) {
	resp, err := c.fetchBalance(ctx)
	if err != nil {
		return domain.Balance{}, err
	}
	if len(resp.Output2) == 0 {
		return domain.Balance{}, fmt.Errorf("balance response missing account summary")
	}
	s := resp.Output2[0]
	return domain.Balance{
		Cash:        atodec(s.Deposits),
		Equity:      atodec(s.TotalEval),
		TotalProfit: atodec(s.TotalProfit),
		At:          c.now(),
	}, nil
}

// GetPositions returns open positions as the broker reports them. Never cached.
func (c *Client) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	resp, err := c.fetchBalance(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]domain.BrokerPosition, 0, len(resp.Output1))
	for _, p := range resp.Output1 {
		if atoi(p.Quantity) == 0 {
			continue
		}
		positions = append(positions, p.toPosition())
	}
	return positions, nil
}

func (c *Client) fetchBalance(ctx context.Context) (*balanceResponse, error) {
	var resp balanceResponse
	call := apiCall{
		method: http.MethodGet,
		path:   pathBalance,
		trID:   c.trID.balance,
		query: map[string]string{
			"CANO":                  c.cfg.AccountNo,
			"ACNT_PRDT_CD":          acntPrdtCd,
			"AFHR_FLPR_YN":          "N",
			"OFL_YN":                "",
			"INQR_DVSN":             "02",
			"UNPR_DVSN":             "01",
			"FUND_STTL_ICLD_YN":     "N",
			"FNCG_AMT_AUTO_RDPT_YN": "N",
			"PRCS_DVSN":             "00",
			"CTX_AREA_FK100":        "",
			"CTX_AREA_NK100":        "",
		},
	}
	if err := c.invoke(ctx, call, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PlaceOrder submits a cash order. The request is validated against the
// order schema before anything is sent.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return domain.OrderResult{}, err
	}

	trID := c.trID.orderBuy
	if req.Side == domain.SideSell {
		trID = c.trID.orderSell
	}
	ordDvsn, ordUnpr := "00", strconv.FormatInt(int64(math.Round(req.Price)), 10)
	if req.Type == domain.OrderMarket {
		ordDvsn, ordUnpr = "01", "0"
	}

	var resp orderResponse
	call := apiCall{
		method: http.MethodPost,
		path:   pathOrderCash,
		trID:   trID,
		body: map[string]string{
			"CANO":         c.cfg.AccountNo,
			"ACNT_PRDT_CD": acntPrdtCd,
			"PDNO":         req.Code,
			"ORD_DVSN":     ordDvsn,
			"ORD_QTY":      strconv.FormatInt(req.Qty, 10),
			"ORD_UNPR":     ordUnpr,
		},
	}
	if err := c.invoke(ctx, call, &resp); err != nil {
		return domain.OrderResult{}, err
	}

	result := domain.OrderResult{
		OrderID:   resp.Output.OrderID,
		Code:      req.Code,
		Side:      req.Side,
		Qty:       req.Qty,
		Price:     req.Price,
		OrderedAt: c.now(),
	}
	c.log.Info().
		Str("code", req.Code).
		Str("side", string(req.Side)).
		Int64("qty", req.Qty).
		Str("order_id", result.OrderID).
		Msg("Order accepted by broker")
	return result, nil
}

// CancelOrder cancels the full remaining quantity of an order.
func (c *Client) CancelOrder(ctx context.Context, orderID, code string) error {
	if orderID == "" {
		return domain.ErrInvalidOrder("order id required for cancel")
	}

	var resp orderResponse
	call := apiCall{
		method: http.MethodPost,
		path:   pathOrderRvse,
		trID:   c.trID.orderCancel,
		body: map[string]string{
			"CANO":               c.cfg.AccountNo,
			"ACNT_PRDT_CD":       acntPrdtCd,
			"KRX_FWDG_ORD_ORGNO": "",
			"ORGN_ODNO":          orderID,
			"ORD_DVSN":           "00",
			"RVSE_CNCL_DVSN_CD":  "02",
			"ORD_QTY":            "0",
			"ORD_UNPR":           "0",
			"QTY_ALL_ORD_YN":     "Y",
		},
	}
	if err := c.invoke(ctx, call, &resp); err != nil {
		return err
	}
	c.log.Info().Str("order_id", orderID).Str("code", code).Msg("Order cancelled")
	return nil
}

// retryAfterHint reads the broker's wait hint, zero when absent.
func retryAfterHint(resp *resty.Response) time.Duration {
	if resp == nil {
		return 0
	}
	ra := resp.Header().Get("Retry-After")
	if ra == "" {
		return 0
	}
	secs, err := strconv.Atoi(ra)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
