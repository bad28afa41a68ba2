package relay

import (
	"encoding/json"
	"time"

	"tickrelay/internal/model"
	"tickrelay/pkg/upstox"
)

// Downstream error reasons. Every terminal failure path sends one of these
// before the socket closes; clients never see a silent disconnect.
const (
	ReasonMissingToken      = "missing_token"
	ReasonInvalidToken      = "invalid_token"
	ReasonTokenExpired      = "token_expired"
	ReasonNoInstruments     = "no_instruments"
	ReasonSubscriptionLimit = "subscription_limit"
	ReasonFeedFailed        = "feed_failed"
	ReasonBadMessage        = "bad_message"
)

func connectedMessage() []byte {
	return []byte(`{"status":"connected","message":"Market feed connected"}`)
}

func errorMessage(reason string) []byte {
	b, _ := json.Marshal(map[string]string{"type": "error", "reason": reason})
	return b
}

func marketClosedMessage() []byte {
	return []byte(`{"event":"market_closed","message":"Market is closed."}`)
}

func liveFeedMessage(ticks []model.Tick) []byte {
	data := make(map[string]model.Tick, len(ticks))
	for _, t := range ticks {
		data[t.InstrumentKey] = t
	}
	b, _ := json.Marshal(map[string]interface{}{
		"type": "live_feed",
		"data": data,
	})
	return b
}

// primarySegment picks the status reported as the top-level marketStatus.
// NSE_EQ wins when present, matching what dashboards key on.
func primarySegment(mi *upstox.MarketInfo) string {
	if s, ok := mi.SegmentStatus["NSE_EQ"]; ok {
		return s
	}
	for _, s := range mi.SegmentStatus {
		return s
	}
	return ""
}

func marketInfoMessage(mi *upstox.MarketInfo) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"type":          "market_info",
		"marketStatus":  primarySegment(mi),
		"segmentStatus": mi.SegmentStatus,
	})
	return b
}

// ticksFromFeeds converts decoded wire payloads into ticks for broadcast.
func ticksFromFeeds(feeds map[string]upstox.TickData) []model.Tick {
	ticks := make([]model.Tick, 0, len(feeds))
	for key, td := range feeds {
		tick := model.Tick{
			InstrumentKey: key,
			LTP:           td.LTP,
			LTQ:           td.LTQ,
			CP:            td.CP,
			ATP:           td.ATP,
			VTT:           td.VTT,
			OI:            td.OI,
			IV:            td.IV,
		}
		if td.LTTMillis > 0 {
			tick.LTT = time.UnixMilli(td.LTTMillis).UTC()
		}
		for _, q := range td.Depth {
			tick.Depth = append(tick.Depth, model.DepthLevel{
				BidQty:   q.BidQty,
				BidPrice: q.BidPrice,
				AskQty:   q.AskQty,
				AskPrice: q.AskPrice,
			})
		}
		if td.Greeks != nil {
			tick.Greeks = &model.OptionGreeks{
				Delta: td.Greeks.Delta,
				Theta: td.Greeks.Theta,
				Gamma: td.Greeks.Gamma,
				Vega:  td.Greeks.Vega,
				Rho:   td.Greeks.Rho,
			}
		}
		ticks = append(ticks, tick)
	}
	return ticks
}

// subscribeMsg is the downstream client message shape. The bare
// {"data":{"instrumentKeys":[...]}} form adds keys; type "unsubscribe"
// removes this client's interest in them.
type subscribeMsg struct {
	Type string `json:"type"`
	Data struct {
		InstrumentKeys []string `json:"instrumentKeys"`
	} `json:"data"`
}
