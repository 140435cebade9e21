package kis

import (
	"context"
	"sync"

	"github.com/haetae-bot/haetae/internal/domain"
)

// GetPrices fetches quotes for many codes with bounded concurrency.
// Results are partial: a failed code carries its error, the rest of the
// batch proceeds. Callers gate on BatchResult.SuccessRate.
func (c *Client) GetPrices(ctx context.Context, codes []string) domain.BatchResult {
	quotes := make([]domain.BatchQuote, len(codes))

	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()

			select {
			case c.inflight <- struct{}{}:
			case <-ctx.Done():
				quotes[i] = domain.BatchQuote{Code: code, Err: ctx.Err()}
				return
			}
			defer func() { <-c.inflight }()

			q, err := c.GetPrice(ctx, code)
			if err != nil {
				c.log.Warn().Str("code", code).Err(err).Msg("Batch quote failed")
				quotes[i] = domain.BatchQuote{Code: code, Err: err}
				return
			}
			quotes[i] = domain.BatchQuote{Code: code, Quote: &q}
		}(i, code)
	}
	wg.Wait()

	result := domain.BatchResult{Quotes: quotes}
	c.log.Debug().
		Int("requested", len(codes)).
		Float64("success_rate", result.SuccessRate()).
		Msg("Batch quote fetch finished")
	return result
}
