package upstox

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire builders for test frames.

func msgField(b []byte, num protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func stringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func doubleField(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func varintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func ltpcBytes(ltp float64, ltt, ltq uint64, cp float64) []byte {
	var b []byte
	b = doubleField(b, 1, ltp)
	b = varintField(b, 2, ltt)
	b = varintField(b, 3, ltq)
	b = doubleField(b, 4, cp)
	return b
}

func feedEntry(key string, feed []byte) []byte {
	var entry []byte
	entry = stringField(entry, 1, key)
	entry = msgField(entry, 2, feed)
	return entry
}

// liveFrame builds a FeedResponse with type=LIVE_FEED and the given
// feeds map entries.
func liveFrame(entries ...[]byte) []byte {
	var b []byte
	b = varintField(b, 1, frameTypeLiveFeed)
	for _, e := range entries {
		b = msgField(b, 2, e)
	}
	return b
}

// marketInfoFrame builds a FeedResponse with type=MARKET_INFO and the
// given segment statuses.
func marketInfoFrame(statuses map[string]uint64) []byte {
	var mi []byte
	for seg, st := range statuses {
		var entry []byte
		entry = stringField(entry, 1, seg)
		entry = varintField(entry, 2, st)
		mi = msgField(mi, 1, entry)
	}
	var b []byte
	b = varintField(b, 1, frameTypeMarketInfo)
	b = msgField(b, 4, mi)
	return b
}

func TestDecodeFrameLTPCOnly(t *testing.T) {
	var feed []byte
	feed = msgField(feed, 1, ltpcBytes(101.5, 1700000000123, 10, 100.0))
	raw := liveFrame(feedEntry("NSE_EQ|INE002A01018", feed))

	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Kind != FrameLiveFeed {
		t.Fatalf("kind = %v, want live_feed", frame.Kind)
	}
	tick, ok := frame.Feeds["NSE_EQ|INE002A01018"]
	if !ok {
		t.Fatalf("missing instrument in feeds: %v", frame.Feeds)
	}
	if tick.LTP != 101.5 || tick.LTQ != 10 || tick.CP != 100.0 {
		t.Errorf("tick = %+v", tick)
	}
	if tick.LTTMillis != 1700000000123 {
		t.Errorf("ltt = %d, want 1700000000123", tick.LTTMillis)
	}
}

func TestDecodeFrameFullFeed(t *testing.T) {
	var quote []byte
	quote = varintField(quote, 1, 50)
	quote = doubleField(quote, 2, 101.4)
	quote = varintField(quote, 3, 60)
	quote = doubleField(quote, 4, 101.6)

	var level []byte
	level = msgField(level, 1, quote)

	var greeks []byte
	greeks = doubleField(greeks, 1, 0.52)
	greeks = doubleField(greeks, 2, -0.03)

	var mff []byte
	mff = msgField(mff, 1, ltpcBytes(101.5, 1700000000123, 10, 100.0))
	mff = msgField(mff, 2, level)
	mff = msgField(mff, 3, greeks)
	mff = doubleField(mff, 4, 101.2)  // atp
	mff = varintField(mff, 5, 123456) // vtt
	mff = doubleField(mff, 6, 54000)  // oi
	mff = doubleField(mff, 7, 14.5)   // iv

	var full []byte
	full = msgField(full, 1, mff)
	var feed []byte
	feed = msgField(feed, 2, full)
	raw := liveFrame(feedEntry("NSE_FO|50201", feed))

	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	tick := frame.Feeds["NSE_FO|50201"]
	if tick.LTP != 101.5 || tick.ATP != 101.2 || tick.VTT != 123456 || tick.OI != 54000 || tick.IV != 14.5 {
		t.Errorf("tick = %+v", tick)
	}
	if len(tick.Depth) != 1 {
		t.Fatalf("depth len = %d, want 1", len(tick.Depth))
	}
	q := tick.Depth[0]
	if q.BidQty != 50 || q.BidPrice != 101.4 || q.AskQty != 60 || q.AskPrice != 101.6 {
		t.Errorf("quote = %+v", q)
	}
	if tick.Greeks == nil || tick.Greeks.Delta != 0.52 || tick.Greeks.Theta != -0.03 {
		t.Errorf("greeks = %+v", tick.Greeks)
	}
}

func TestDecodeFrameWithoutTypeFallsBackToContent(t *testing.T) {
	var feed []byte
	feed = msgField(feed, 1, ltpcBytes(5, 0, 0, 0))
	var raw []byte
	raw = msgField(raw, 2, feedEntry("NSE_EQ|X", feed))

	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Kind != FrameLiveFeed {
		t.Errorf("kind = %v, want live_feed", frame.Kind)
	}
}

func TestDecodeFrameMarketInfo(t *testing.T) {
	raw := marketInfoFrame(map[string]uint64{"NSE_EQ": 3, "NSE_FO": 5})

	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Kind != FrameMarketInfo {
		t.Fatalf("kind = %v, want market_info", frame.Kind)
	}
	if got := frame.Market.SegmentStatus["NSE_EQ"]; got != "NORMAL_CLOSE" {
		t.Errorf("NSE_EQ status = %q", got)
	}
	if got := frame.Market.SegmentStatus["NSE_FO"]; got != "CLOSING_END" {
		t.Errorf("NSE_FO status = %q", got)
	}
	if !frame.Market.Closed() {
		t.Error("Closed() = false for all-closing statuses")
	}
}

func TestMarketInfoClosed(t *testing.T) {
	cases := []struct {
		name     string
		statuses map[string]string
		want     bool
	}{
		{"all closing", map[string]string{"NSE_EQ": "NORMAL_CLOSE", "NSE_FO": "CLOSING_END"}, true},
		{"one open", map[string]string{"NSE_EQ": "NORMAL_CLOSE", "NSE_FO": "NORMAL_OPEN"}, false},
		{"empty", map[string]string{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mi := &MarketInfo{SegmentStatus: tc.statuses}
			if got := mi.Closed(); got != tc.want {
				t.Errorf("Closed() = %v, want %v", got, tc.want)
			}
		})
	}
	var nilInfo *MarketInfo
	if nilInfo.Closed() {
		t.Error("nil MarketInfo reported closed")
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	cases := [][]byte{
		{0xFF},             // bad tag
		{0x08},             // type field with no varint
		{0x12, 0x05, 0x01}, // feeds entry shorter than its length prefix
	}
	for _, raw := range cases {
		_, err := DecodeFrame(raw)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("DecodeFrame(% x) err = %v, want *DecodeError", raw, err)
		}
	}
}

func TestDecodeFeedEntryErrorOffset(t *testing.T) {
	// A valid 4-byte key field followed by a truncated tag: the reported
	// offset must account for consumed values, not just their tags.
	entry := stringField(nil, 1, "AB")
	entry = append(entry, 0xFF)

	_, _, err := decodeFeedEntry(entry)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.Offset != 4 {
		t.Errorf("offset = %d, want 4", de.Offset)
	}
}

func TestDecodeFrameSkipsUnknownFields(t *testing.T) {
	var raw []byte
	raw = varintField(raw, 1, frameTypeLiveFeed)
	raw = varintField(raw, 3, 1700000000000) // currentTs, ignored
	raw = msgField(raw, 99, []byte("future"))

	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Kind != FrameLiveFeed {
		t.Errorf("kind = %v", frame.Kind)
	}
}

func TestIsClosingStatus(t *testing.T) {
	closing := []string{"NORMAL_CLOSE", "CLOSING_END"}
	open := []string{"PRE_OPEN_START", "PRE_OPEN_END", "NORMAL_OPEN", "CLOSING_START", ""}
	for _, s := range closing {
		if !IsClosingStatus(s) {
			t.Errorf("IsClosingStatus(%q) = false", s)
		}
	}
	for _, s := range open {
		if IsClosingStatus(s) {
			t.Errorf("IsClosingStatus(%q) = true", s)
		}
	}
}

func TestEncodeSubscription(t *testing.T) {
	raw, err := EncodeSubscription("relay-u1", MethodSub, ModeFull, []string{"NSE_EQ|A", "NSE_EQ|B"})
	if err != nil {
		t.Fatalf("EncodeSubscription: %v", err)
	}

	var req struct {
		GUID   string `json:"guid"`
		Method string `json:"method"`
		Data   struct {
			Mode           string   `json:"mode"`
			InstrumentKeys []string `json:"instrumentKeys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.GUID != "relay-u1" || req.Method != "sub" || req.Data.Mode != "full" {
		t.Errorf("req = %+v", req)
	}
	if len(req.Data.InstrumentKeys) != 2 {
		t.Errorf("keys = %v", req.Data.InstrumentKeys)
	}
}

func TestEncodeSubscriptionRejectsOversizedBatch(t *testing.T) {
	keys := make([]string, MaxKeysPerMessage+1)
	for i := range keys {
		keys[i] = "NSE_EQ|K"
	}
	_, err := EncodeSubscription("g", MethodSub, ModeFull, keys)
	var le *LimitError
	if !errors.As(err, &le) {
		t.Fatalf("err = %v, want *LimitError", err)
	}
	if le.Limit != MaxKeysPerMessage {
		t.Errorf("limit = %d", le.Limit)
	}
}
