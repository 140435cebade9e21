// Package universe maintains the tradable listing: every common share on
// KOSPI and KOSDAQ with its sector classification. The listing is synced
// daily from KRX's public data portal and kept in the stocks table; reads
// go through the shared cache with a 24h lifetime.
package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/domain"
)

// KRX data portal. The sector-classification report is the one public
// dataset that carries code, name and industry group in a single response,
// so one call per market covers the whole listing.
const (
	krxBaseURL     = "https://data.krx.co.kr"
	krxDataPath    = "/comm/bldAttendant/getJsonData.cmd"
	krxSectorBld   = "dbms/MDC/STAT/standard/MDCSTAT03901"
	krxDateFormat  = "20060102"
	krxHTTPTimeout = 10 * time.Second
)

// market identifiers as the portal spells them.
var krxMarketIDs = map[domain.Market]string{
	domain.MarketKOSPI:  "STK",
	domain.MarketKOSDAQ: "KSQ",
}

// KRX fetches listings from the KRX data portal. The portal is unkeyed
// and form-driven; it answers JSON regardless of the content type it
// advertises, so the body is decoded manually.
type KRX struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewKRX creates a portal client. baseURL overrides the production host,
// used by tests.
func NewKRX(baseURL string, log zerolog.Logger) *KRX {
	if baseURL == "" {
		baseURL = krxBaseURL
	}
	return &KRX{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(krxHTTPTimeout).
			SetHeader("Referer", krxBaseURL).
			SetHeader("Accept", "application/json"),
		log: log.With().Str("component", "krx").Logger(),
	}
}

// sectorRow is one listing row of the sector-classification report.
type sectorRow struct {
	Code   string `json:"ISU_SRT_CD"`
	Name   string `json:"ISU_ABBRV"`
	Sector string `json:"IDX_IND_NM"`
}

type sectorResponse struct {
	Block []sectorRow `json:"block1"`
}

// Listings returns every listed share of one market as of the given trade
// date. A non-trading date yields an empty slice, not an error; callers
// step back to the previous session. Rows that do not carry a valid share
// code (the report occasionally includes placeholder rows) are dropped.
func (k *KRX) Listings(ctx context.Context, market domain.Market, day time.Time) ([]domain.Stock, error) {
	mktID, ok := krxMarketIDs[market]
	if !ok {
		return nil, fmt.Errorf("unknown market %q", market)
	}

	resp, err := k.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"bld":         krxSectorBld,
			"mktId":       mktID,
			"trdDd":       day.Format(krxDateFormat),
			"money":       "1",
			"csvxls_isNo": "false",
		}).
		Post(krxDataPath)
	if err != nil {
		return nil, fmt.Errorf("krx request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("krx status %d", resp.StatusCode())
	}

	var out sectorResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decoding krx response: %w", err)
	}

	stocks := make([]domain.Stock, 0, len(out.Block))
	dropped := 0
	for _, row := range out.Block {
		if err := domain.ValidateCode(row.Code); err != nil {
			dropped++
			k.log.Debug().Str("code", row.Code).Str("name", row.Name).Msg("Skipping unlistable row")
			continue
		}
		stocks = append(stocks, domain.Stock{
			Code:   row.Code,
			Name:   row.Name,
			Market: market,
			Sector: row.Sector,
		})
	}
	if dropped > 0 {
		k.log.Debug().Int("dropped", dropped).Str("market", string(market)).Msg("Dropped rows without a valid share code")
	}
	return stocks, nil
}
