package model

import "time"

// DepthLevel is one bid/ask level of the market depth ladder.
type DepthLevel struct {
	BidQty   int64   `json:"bid_qty"`
	BidPrice float64 `json:"bid_price"`
	AskQty   int64   `json:"ask_qty"`
	AskPrice float64 `json:"ask_price"`
}

// OptionGreeks holds the option greeks attached to derivative ticks.
type OptionGreeks struct {
	Delta float64 `json:"delta"`
	Theta float64 `json:"theta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// Tick is one decoded market-data update for a single instrument.
// Ticks are ephemeral: they exist only for the duration of one broadcast
// and are never persisted by the relay.
type Tick struct {
	InstrumentKey string    `json:"instrument_key"`
	LTP           float64   `json:"ltp"`
	LTQ           int64     `json:"ltq"`
	CP            float64   `json:"cp"` // previous day close
	LTT           time.Time `json:"last_trade_time"`
	ATP           float64   `json:"atp,omitempty"`
	VTT           int64     `json:"vtt,omitempty"` // volume traded today
	OI            float64   `json:"oi,omitempty"`
	IV            float64   `json:"iv,omitempty"`

	Depth  []DepthLevel  `json:"bid_ask,omitempty"`
	Greeks *OptionGreeks `json:"greeks,omitempty"`
}
