package models

import (
	"sort"
	"time"
)

// PricePoint is one (timestamp, price) observation returned by the market data provider.
type PricePoint struct {
	Timestamp int64   `json:"timestamp"` // unix milliseconds
	Price     float64 `json:"price"`
}

// Time returns the observation time in UTC.
func (p PricePoint) Time() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

// PriceSeries is a time-ordered price history with strictly increasing timestamps.
type PriceSeries []PricePoint

// Prices returns the price column of the series.
func (s PriceSeries) Prices() []float64 {
	prices := make([]float64, len(s))
	for i, p := range s {
		prices[i] = p.Price
	}
	return prices
}

// Last returns the most recent observation.
func (s PriceSeries) Last() (PricePoint, bool) {
	if len(s) == 0 {
		return PricePoint{}, false
	}
	return s[len(s)-1], true
}

// NewPriceSeries orders points by timestamp and drops duplicates, keeping the first seen.
func NewPriceSeries(points []PricePoint) PriceSeries {
	sorted := make([]PricePoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	series := make(PriceSeries, 0, len(sorted))
	for _, p := range sorted {
		if n := len(series); n > 0 && series[n-1].Timestamp == p.Timestamp {
			continue
		}
		series = append(series, p)
	}
	return series
}

// MarketContext summarises the history a forecast is trained on
type MarketContext struct {
	Coin         string    `json:"coin"`
	Observations int       `json:"observations"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	LastPrice    float64   `json:"last_price"`
	MinPrice     float64   `json:"min_price"`
	MaxPrice     float64   `json:"max_price"`
	SMA          *float64  `json:"sma,omitempty"`
	EMA          *float64  `json:"ema,omitempty"`
	RSI          *float64  `json:"rsi,omitempty"`
	Period       int       `json:"period"`
}
