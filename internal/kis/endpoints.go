package kis

// Environment selects the broker deployment: paper trading or production.
// tr_id transaction codes differ between the two for account endpoints.
type Environment string

const (
	EnvVirtual Environment = "virtual"
	EnvProd    Environment = "prod"
)

// Valid reports whether e names a known environment.
func (e Environment) Valid() bool { return e == EnvVirtual || e == EnvProd }

const (
	prodBaseURL    = "https://openapi.koreainvestment.com:9443"
	virtualBaseURL = "https://openapivts.koreainvestment.com:29443"
	prodWSURL      = "ws://ops.koreainvestment.com:21000"
	virtualWSURL   = "ws://ops.koreainvestment.com:31000"
)

const (
	pathToken        = "/oauth2/tokenP"
	pathApproval     = "/oauth2/Approval"
	pathPrice        = "/uapi/domestic-stock/v1/quotations/inquire-price"
	pathDailyChart   = "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice"
	pathIndexChart   = "/uapi/domestic-stock/v1/quotations/inquire-daily-indexchartprice"
	pathFinanceRatio = "/uapi/domestic-stock/v1/finance/financial-ratio"
	pathBalance      = "/uapi/domestic-stock/v1/trading/inquire-balance"
	pathOrderCash    = "/uapi/domestic-stock/v1/trading/order-cash"
	pathOrderRvse    = "/uapi/domestic-stock/v1/trading/order-rvsecncl"
)

// Benchmark index codes for the index-chart endpoint.
const (
	IndexKOSPI  = "0001"
	IndexKOSDAQ = "1001"
)

// Realtime stream transaction ids.
const (
	trRealtimePrice = "H0STCNT0"
	trPingPong      = "PINGPONG"
)

// trIDs is the per-environment transaction-id table. Quotation ids are
// shared; trading and balance ids carry a V prefix on the paper system.
type trIDs struct {
	price        string
	dailyChart   string
	indexChart   string
	financeRatio string
	balance      string
	orderBuy     string
	orderSell    string
	orderCancel  string
}

func trIDsFor(env Environment) trIDs {
	if env == EnvProd {
		return trIDs{
			price:        "FHKST01010100",
			dailyChart:   "FHKST03010100",
			indexChart:   "FHKUP03500100",
			financeRatio: "FHKST66430300",
			balance:      "TTTC8434R",
			orderBuy:     "TTTC0802U",
			orderSell:    "TTTC0801U",
			orderCancel:  "TTTC0803U",
		}
	}
	return trIDs{
		price:        "FHKST01010100",
		dailyChart:   "FHKST03010100",
		indexChart:   "FHKUP03500100",
		financeRatio: "FHKST66430300",
		balance:      "VTTC8434R",
		orderBuy:     "VTTC0802U",
		orderSell:    "VTTC0801U",
		orderCancel:  "VTTC0803U",
	}
}

func baseURLFor(env Environment) string {
	if env == EnvProd {
		return prodBaseURL
	}
	return virtualBaseURL
}

func wsURLFor(env Environment) string {
	if env == EnvProd {
		return prodWSURL
	}
	return virtualWSURL
}
