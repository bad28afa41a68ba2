// Package upstox implements the client side of the Upstox market-data feed
// v3: the binary wire codec, the subscription bookkeeping, the feed
// authorization exchange and the streaming connection state machine.
package upstox

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Protocol limits for subscribe control messages.
const (
	MaxKeysPerMessage = 1500
	MaxChunks         = 2
	MaxSubscriptions  = MaxKeysPerMessage * MaxChunks
)

// Control message methods and modes.
const (
	MethodSub   = "sub"
	MethodUnsub = "unsub"
	ModeFull    = "full"
)

// FrameKind tags the variant carried by a decoded Frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameLiveFeed
	FrameMarketInfo
)

func (k FrameKind) String() string {
	switch k {
	case FrameLiveFeed:
		return "live_feed"
	case FrameMarketInfo:
		return "market_info"
	default:
		return "unknown"
	}
}

// Quote is one bid/ask level from the upstream depth ladder.
type Quote struct {
	BidQty   int64
	BidPrice float64
	AskQty   int64
	AskPrice float64
}

// Greeks holds decoded option greeks.
type Greeks struct {
	Delta float64
	Theta float64
	Gamma float64
	Vega  float64
	Rho   float64
}

// TickData is the decoded per-instrument payload of a live_feed frame.
type TickData struct {
	LTP       float64
	LTQ       int64
	CP        float64
	LTTMillis int64 // last trade time, epoch milliseconds
	ATP       float64
	VTT       int64
	OI        float64
	IV        float64
	Depth     []Quote
	Greeks    *Greeks
}

// MarketInfo carries per-segment market status strings,
// e.g. {"NSE_EQ": "NORMAL_CLOSE"}.
type MarketInfo struct {
	SegmentStatus map[string]string
}

// Frame is the tagged result of decoding one upstream binary message.
type Frame struct {
	Kind   FrameKind
	Feeds  map[string]TickData // set when Kind == FrameLiveFeed
	Market *MarketInfo         // set when Kind == FrameMarketInfo
}

// FeedResponse field numbers. The .proto is owned by the broker; the relay
// consumes the stable subset below.
//
//	FeedResponse: type=1 (enum), feeds=2 (map<string,Feed>), currentTs=3,
//	              marketInfo=4
//	Feed:         ltpc=1, fullFeed=2, firstLevelWithGreeks=3
//	FullFeed:     marketFF=1, indexFF=2
//	MarketFullFeed: ltpc=1, marketLevel=2, optionGreeks=3, atp=4, vtt=5,
//	              oi=6, iv=7
//	MarketLevel:  bidAskQuote=1 (repeated Quote)
//	Quote:        bidQ=1, bidP=2, askQ=3, askP=4
//	OptionGreeks: delta=1, theta=2, gamma=3, vega=4, rho=5
//	LTPC:         ltp=1, ltt=2, ltq=3, cp=4
//	MarketInfo:   segmentStatus=1 (map<string,MarketStatus>)
const (
	frameFieldType       = 1
	frameFieldFeeds      = 2
	frameFieldMarketInfo = 4

	frameTypeLiveFeed   = 1
	frameTypeMarketInfo = 2
)

var marketStatusName = map[uint64]string{
	0: "PRE_OPEN_START",
	1: "PRE_OPEN_END",
	2: "NORMAL_OPEN",
	3: "NORMAL_CLOSE",
	4: "CLOSING_START",
	5: "CLOSING_END",
}

// IsClosingStatus reports whether a segment status string means the
// trading segment has closed for the day.
func IsClosingStatus(status string) bool {
	return status == "NORMAL_CLOSE" || status == "CLOSING_END"
}

// DecodeFrame decodes one binary upstream message into a tagged Frame.
// Malformed input yields a *DecodeError; the caller logs and skips.
func DecodeFrame(b []byte) (Frame, error) {
	frame := Frame{Kind: FrameUnknown}
	var typ uint64
	var sawType bool

	off := 0
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, &DecodeError{Offset: off, Reason: "bad tag"}
		}
		b = b[n:]
		off += n

		switch {
		case num == frameFieldType && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, &DecodeError{Offset: off, Reason: "bad type varint"}
			}
			typ, sawType = v, true
			b = b[n:]
			off += n

		case num == frameFieldFeeds && wtyp == protowire.BytesType:
			entry, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Frame{}, &DecodeError{Offset: off, Reason: "bad feeds entry"}
			}
			key, tick, err := decodeFeedEntry(entry)
			if err != nil {
				return Frame{}, err
			}
			if key != "" {
				if frame.Feeds == nil {
					frame.Feeds = make(map[string]TickData)
				}
				frame.Feeds[key] = tick
			}
			b = b[n:]
			off += n

		case num == frameFieldMarketInfo && wtyp == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Frame{}, &DecodeError{Offset: off, Reason: "bad marketInfo"}
			}
			mi, err := decodeMarketInfo(raw)
			if err != nil {
				return Frame{}, err
			}
			frame.Market = mi
			b = b[n:]
			off += n

		default:
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return Frame{}, &DecodeError{Offset: off, Reason: fmt.Sprintf("bad field %d", num)}
			}
			b = b[n:]
			off += n
		}
	}

	switch {
	case sawType && typ == frameTypeLiveFeed, !sawType && len(frame.Feeds) > 0:
		frame.Kind = FrameLiveFeed
	case sawType && typ == frameTypeMarketInfo, !sawType && frame.Market != nil:
		frame.Kind = FrameMarketInfo
	}
	return frame, nil
}

// decodeFeedEntry decodes one feeds map entry: key=1 (string), value=2 (Feed).
func decodeFeedEntry(b []byte) (string, TickData, error) {
	var key string
	var tick TickData
	off := 0
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", TickData{}, &DecodeError{Offset: off, Reason: "bad feeds entry tag"}
		}
		b = b[n:]
		off += n

		switch {
		case num == 1 && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", TickData{}, &DecodeError{Offset: off, Reason: "bad instrument key"}
			}
			key = v
			b = b[n:]
			off += n

		case num == 2 && wtyp == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", TickData{}, &DecodeError{Offset: off, Reason: "bad feed payload"}
			}
			t, err := decodeFeed(raw)
			if err != nil {
				return "", TickData{}, err
			}
			tick = t
			b = b[n:]
			off += n

		default:
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return "", TickData{}, &DecodeError{Offset: off, Reason: "bad feeds entry field"}
			}
			b = b[n:]
			off += n
		}
	}
	return key, tick, nil
}

// decodeFeed decodes the Feed oneof: ltpc, fullFeed or firstLevelWithGreeks.
func decodeFeed(b []byte) (TickData, error) {
	var tick TickData
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return TickData{}, &DecodeError{Reason: "bad feed tag"}
		}
		b = b[n:]

		if wtyp != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return TickData{}, &DecodeError{Reason: "bad feed field"}
			}
			b = b[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return TickData{}, &DecodeError{Reason: "bad feed payload"}
		}
		b = b[n:]

		var err error
		switch num {
		case 1: // ltpc only
			err = decodeLTPC(raw, &tick)
		case 2: // fullFeed
			err = decodeFullFeed(raw, &tick)
		case 3: // firstLevelWithGreeks shares the marketFF layout subset
			err = decodeMarketFF(raw, &tick)
		}
		if err != nil {
			return TickData{}, err
		}
	}
	return tick, nil
}

// decodeFullFeed unwraps the FullFeed oneof: marketFF=1, indexFF=2.
// Index feeds carry only an LTPC, which the marketFF decoder handles too.
func decodeFullFeed(b []byte, tick *TickData) error {
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Reason: "bad fullFeed tag"}
		}
		b = b[n:]

		if wtyp != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return &DecodeError{Reason: "bad fullFeed field"}
			}
			b = b[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return &DecodeError{Reason: "bad fullFeed payload"}
		}
		b = b[n:]

		if num == 1 || num == 2 {
			if err := decodeMarketFF(raw, tick); err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeMarketFF decodes MarketFullFeed: ltpc=1, marketLevel=2,
// optionGreeks=3, atp=4 (double), vtt=5 (varint), oi=6, iv=7 (doubles).
func decodeMarketFF(b []byte, tick *TickData) error {
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Reason: "bad marketFF tag"}
		}
		b = b[n:]

		switch {
		case num == 1 && wtyp == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return &DecodeError{Reason: "bad marketFF ltpc"}
			}
			if err := decodeLTPC(raw, tick); err != nil {
				return err
			}
			b = b[n:]

		case num == 2 && wtyp == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return &DecodeError{Reason: "bad marketLevel"}
			}
			if err := decodeMarketLevel(raw, tick); err != nil {
				return err
			}
			b = b[n:]

		case num == 3 && wtyp == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return &DecodeError{Reason: "bad optionGreeks"}
			}
			g, err := decodeGreeks(raw)
			if err != nil {
				return err
			}
			tick.Greeks = g
			b = b[n:]

		case num == 4 && wtyp == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return &DecodeError{Reason: "bad atp"}
			}
			tick.ATP = math.Float64frombits(v)
			b = b[n:]

		case num == 5 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return &DecodeError{Reason: "bad vtt"}
			}
			tick.VTT = int64(v)
			b = b[n:]

		case num == 6 && wtyp == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return &DecodeError{Reason: "bad oi"}
			}
			tick.OI = math.Float64frombits(v)
			b = b[n:]

		case num == 7 && wtyp == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return &DecodeError{Reason: "bad iv"}
			}
			tick.IV = math.Float64frombits(v)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return &DecodeError{Reason: "bad marketFF field"}
			}
			b = b[n:]
		}
	}
	return nil
}

// decodeLTPC decodes LTPC: ltp=1 (double), ltt=2 (varint ms), ltq=3
// (varint), cp=4 (double).
func decodeLTPC(b []byte, tick *TickData) error {
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Reason: "bad ltpc tag"}
		}
		b = b[n:]

		switch {
		case num == 1 && wtyp == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return &DecodeError{Reason: "bad ltp"}
			}
			tick.LTP = math.Float64frombits(v)
			b = b[n:]

		case num == 2 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return &DecodeError{Reason: "bad ltt"}
			}
			tick.LTTMillis = int64(v)
			b = b[n:]

		case num == 3 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return &DecodeError{Reason: "bad ltq"}
			}
			tick.LTQ = int64(v)
			b = b[n:]

		case num == 4 && wtyp == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return &DecodeError{Reason: "bad cp"}
			}
			tick.CP = math.Float64frombits(v)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return &DecodeError{Reason: "bad ltpc field"}
			}
			b = b[n:]
		}
	}
	return nil
}

// decodeMarketLevel decodes MarketLevel: bidAskQuote=1 (repeated Quote).
func decodeMarketLevel(b []byte, tick *TickData) error {
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Reason: "bad marketLevel tag"}
		}
		b = b[n:]

		if num == 1 && wtyp == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return &DecodeError{Reason: "bad quote"}
			}
			q, err := decodeQuote(raw)
			if err != nil {
				return err
			}
			tick.Depth = append(tick.Depth, q)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, wtyp, b)
		if n < 0 {
			return &DecodeError{Reason: "bad marketLevel field"}
		}
		b = b[n:]
	}
	return nil
}

// decodeQuote decodes Quote: bidQ=1, bidP=2, askQ=3, askP=4.
func decodeQuote(b []byte) (Quote, error) {
	var q Quote
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Quote{}, &DecodeError{Reason: "bad quote tag"}
		}
		b = b[n:]

		switch {
		case num == 1 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Quote{}, &DecodeError{Reason: "bad bidQ"}
			}
			q.BidQty = int64(v)
			b = b[n:]
		case num == 2 && wtyp == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Quote{}, &DecodeError{Reason: "bad bidP"}
			}
			q.BidPrice = math.Float64frombits(v)
			b = b[n:]
		case num == 3 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Quote{}, &DecodeError{Reason: "bad askQ"}
			}
			q.AskQty = int64(v)
			b = b[n:]
		case num == 4 && wtyp == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Quote{}, &DecodeError{Reason: "bad askP"}
			}
			q.AskPrice = math.Float64frombits(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return Quote{}, &DecodeError{Reason: "bad quote field"}
			}
			b = b[n:]
		}
	}
	return q, nil
}

// decodeGreeks decodes OptionGreeks: delta..rho = fields 1..5, all doubles.
func decodeGreeks(b []byte) (*Greeks, error) {
	g := &Greeks{}
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, &DecodeError{Reason: "bad greeks tag"}
		}
		b = b[n:]

		if wtyp == protowire.Fixed64Type && num >= 1 && num <= 5 {
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, &DecodeError{Reason: "bad greeks value"}
			}
			f := math.Float64frombits(v)
			switch num {
			case 1:
				g.Delta = f
			case 2:
				g.Theta = f
			case 3:
				g.Gamma = f
			case 4:
				g.Vega = f
			case 5:
				g.Rho = f
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, wtyp, b)
		if n < 0 {
			return nil, &DecodeError{Reason: "bad greeks field"}
		}
		b = b[n:]
	}
	return g, nil
}

// decodeMarketInfo decodes MarketInfo: segmentStatus=1, a map entry per
// segment with key=1 (string) and value=2 (MarketStatus varint).
func decodeMarketInfo(b []byte) (*MarketInfo, error) {
	mi := &MarketInfo{SegmentStatus: make(map[string]string)}
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, &DecodeError{Reason: "bad marketInfo tag"}
		}
		b = b[n:]

		if num == 1 && wtyp == protowire.BytesType {
			entry, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, &DecodeError{Reason: "bad segmentStatus entry"}
			}
			seg, status, err := decodeSegmentStatus(entry)
			if err != nil {
				return nil, err
			}
			if seg != "" {
				mi.SegmentStatus[seg] = status
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, wtyp, b)
		if n < 0 {
			return nil, &DecodeError{Reason: "bad marketInfo field"}
		}
		b = b[n:]
	}
	return mi, nil
}

func decodeSegmentStatus(b []byte) (string, string, error) {
	var seg string
	var status uint64
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", &DecodeError{Reason: "bad segmentStatus tag"}
		}
		b = b[n:]

		switch {
		case num == 1 && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", "", &DecodeError{Reason: "bad segment name"}
			}
			seg = v
			b = b[n:]
		case num == 2 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", "", &DecodeError{Reason: "bad segment status"}
			}
			status = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return "", "", &DecodeError{Reason: "bad segmentStatus field"}
			}
			b = b[n:]
		}
	}
	name, ok := marketStatusName[status]
	if !ok {
		name = fmt.Sprintf("STATUS_%d", status)
	}
	return seg, name, nil
}

// subscriptionRequest is the JSON control message sent upstream.
type subscriptionRequest struct {
	GUID   string `json:"guid"`
	Method string `json:"method"`
	Data   struct {
		Mode           string   `json:"mode"`
		InstrumentKeys []string `json:"instrumentKeys"`
	} `json:"data"`
}

// EncodeSubscription builds the JSON-encoded-as-bytes subscribe/unsubscribe
// control message. Key count is capped at MaxKeysPerMessage per message;
// larger sets must be chunked by the caller.
func EncodeSubscription(guid, method, mode string, keys []string) ([]byte, error) {
	if len(keys) > MaxKeysPerMessage {
		return nil, &LimitError{Requested: len(keys), Limit: MaxKeysPerMessage}
	}
	req := subscriptionRequest{GUID: guid, Method: method}
	req.Data.Mode = mode
	req.Data.InstrumentKeys = keys
	return json.Marshal(req)
}
