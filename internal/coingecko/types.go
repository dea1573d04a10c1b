package coingecko

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// MarketChartResponse is the body of /coins/{id}/market_chart/range.
// Only the prices column is consumed; volumes and caps are ignored.
type MarketChartResponse struct {
	Prices []ChartPoint `json:"prices"`
}

// ChartPoint is one [timestamp_ms, price] pair.
type ChartPoint struct {
	Timestamp int64
	Price     decimal.Decimal
}

// UnmarshalJSON decodes the two-element array form used by the API.
func (p *ChartPoint) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid chart point: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("invalid chart point: expected 2 elements, got %d", len(raw))
	}

	ts, err := decimal.NewFromString(raw[0].String())
	if err != nil {
		return fmt.Errorf("invalid chart timestamp %q: %w", raw[0], err)
	}
	price, err := decimal.NewFromString(raw[1].String())
	if err != nil {
		return fmt.Errorf("invalid chart price %q: %w", raw[1], err)
	}

	p.Timestamp = ts.IntPart()
	p.Price = price
	return nil
}

// ErrorResponse is returned by the API on failures.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func (e ErrorResponse) message() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Status.ErrorMessage
}
