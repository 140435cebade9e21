package kis

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haetae-bot/haetae/internal/domain"
)

// The broker serializes every number as a string ("stck_prpr": "71200").
// Wire structs keep the raw strings; converters parse at the boundary.

// envelope is the common response wrapper. rt_cd "0" means success.
type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (e *envelope) ref() *envelope { return e }

func (e *envelope) ok() bool { return e.RtCd == "0" }

func (e *envelope) apiErr(status int) *APIError {
	return &APIError{Status: status, RtCd: e.RtCd, MsgCd: e.MsgCd, Msg: strings.TrimSpace(e.Msg1)}
}

// apiResponse is implemented by every typed response via the embedded
// envelope.
type apiResponse interface {
	ref() *envelope
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

type priceOutput struct {
	Price     string `json:"stck_prpr"`
	Change    string `json:"prdy_vrss"`
	ChangePct string `json:"prdy_ctrt"`
	Volume    string `json:"acml_vol"`
	PER       string `json:"per"`
	PBR       string `json:"pbr"`
	MarketCap string `json:"hts_avls"` // KRW millions
	High52w   string `json:"w52_hgpr"`
	Low52w    string `json:"w52_lwpr"`
}

type priceResponse struct {
	envelope
	Output priceOutput `json:"output"`
}

func (o priceOutput) toQuote(code string, at time.Time) domain.Quote {
	return domain.Quote{
		Code:      code,
		Price:     atof(o.Price),
		Change:    atof(o.Change),
		ChangePct: atof(o.ChangePct),
		Volume:    atoi(o.Volume),
		PER:       atof(o.PER),
		PBR:       atof(o.PBR),
		MarketCap: atof(o.MarketCap),
		High52w:   atof(o.High52w),
		Low52w:    atof(o.Low52w),
		At:        at,
	}
}

// financialRatio is one reporting period of the financial-ratio inquiry,
// newest first.
type financialRatio struct {
	Period          string `json:"stac_yymm"` // YYYYMM
	RevenueGrowth   string `json:"grs"`
	OpIncomeGrowth  string `json:"bsop_prfi_inrt"`
	NetIncomeGrowth string `json:"ntin_inrt"`
	ROE             string `json:"roe_val"`
	EPS             string `json:"eps"`
	BPS             string `json:"bps"`
	DebtRatio       string `json:"lblt_rate"`
}

type financialRatioResponse struct {
	envelope
	Output []financialRatio `json:"output"`
}

func (r financialRatio) toFundamentals(code string, at time.Time) domain.Fundamentals {
	return domain.Fundamentals{
		Code:            code,
		Period:          r.Period,
		ROE:             atof(r.ROE),
		EPS:             atof(r.EPS),
		BPS:             atof(r.BPS),
		RevenueGrowth:   atof(r.RevenueGrowth),
		OpIncomeGrowth:  atof(r.OpIncomeGrowth),
		NetIncomeGrowth: atof(r.NetIncomeGrowth),
		DebtRatio:       atof(r.DebtRatio),
		At:              at,
	}
}

type dailyBar struct {
	Date   string `json:"stck_bsop_date"` // YYYYMMDD
	Open   string `json:"stck_oprc"`
	High   string `json:"stck_hgpr"`
	Low    string `json:"stck_lwpr"`
	Close  string `json:"stck_clpr"`
	Volume string `json:"acml_vol"`
}

type dailyChartResponse struct {
	envelope
	Output2 []dailyBar `json:"output2"`
}

func (b dailyBar) toCandle() domain.Candle {
	return domain.Candle{
		Date:   isoDate(b.Date),
		Open:   atof(b.Open),
		High:   atof(b.High),
		Low:    atof(b.Low),
		Close:  atof(b.Close),
		Volume: atoi(b.Volume),
	}
}

// indexBar is one daily bar of a sector index, newest first on the wire.
type indexBar struct {
	Date   string `json:"stck_bsop_date"` // YYYYMMDD
	Open   string `json:"bstp_nmix_oprc"`
	High   string `json:"bstp_nmix_hgpr"`
	Low    string `json:"bstp_nmix_lwpr"`
	Close  string `json:"bstp_nmix_prpr"`
	Volume string `json:"acml_vol"`
}

type indexChartResponse struct {
	envelope
	Output2 []indexBar `json:"output2"`
}

func (b indexBar) toCandle() domain.Candle {
	return domain.Candle{
		Date:   isoDate(b.Date),
		Open:   atof(b.Open),
		High:   atof(b.High),
		Low:    atof(b.Low),
		Close:  atof(b.Close),
		Volume: atoi(b.Volume),
	}
}

type balancePosition struct {
	Code      string `json:"pdno"`
	Name      string `json:"prdt_name"`
	Quantity  string `json:"hldg_qty"`
	AvgPrice  string `json:"pchs_avg_pric"`
	Current   string `json:"prpr"`
	EvalAmt   string `json:"evlu_amt"`
	ProfitAmt string `json:"evlu_pfls_amt"`
}

func (p balancePosition) toPosition() domain.BrokerPosition {
	return domain.BrokerPosition{
		Code:          p.Code,
		Name:          strings.TrimSpace(p.Name),
		Quantity:      atoi(p.Quantity),
		AvgPrice:      atof(p.AvgPrice),
		CurrentPrice:  atof(p.Current),
		MarketValue:   atodec(p.EvalAmt),
		UnrealizedPnL: atodec(p.ProfitAmt),
	}
}

type balanceSummary struct {
	Deposits    string `json:"dnca_tot_amt"`
	TotalEval   string `json:"tot_evlu_amt"`
	TotalProfit string `json:"evlu_pfls_smtl_amt"`
}

type balanceResponse struct {
	envelope
	Output1 []balancePosition `json:"output1"`
	Output2 []balanceSummary  `json:"output2"`
}

type orderOutput struct {
	OrgNo     string `json:"KRX_FWDG_ORD_ORGNO"`
	OrderID   string `json:"ODNO"`
	OrderedAt string `json:"ORD_TMD"` // HHMMSS
}

type orderResponse struct {
	envelope
	Output orderOutput `json:"output"`
}

// atof parses a broker numeric string, empty or junk as zero. Missing
// fields are routine on suspended or newly listed codes.
func atof(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func atoi(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func atodec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// isoDate converts the broker's YYYYMMDD to YYYY-MM-DD.
func isoDate(s string) string {
	if len(s) != 8 {
		return s
	}
	return s[:4] + "-" + s[4:6] + "-" + s[6:]
}
