package exchange

import "testing"

func TestUnifiedSymbol(t *testing.T) {
	cases := []struct {
		instID string
		quote  string
		want   string
	}{
		{"BTCUSDT", "USDT", "BTC/USDT:USDT"},
		{"1000PEPEUSDT", "USDT", "1000PEPE/USDT:USDT"},
		{"ETH/USDT:USDT", "USDT", "ETH/USDT:USDT"},
	}

	for _, tc := range cases {
		got := UnifiedSymbol(tc.instID, tc.quote)
		if got != tc.want {
			t.Errorf("UnifiedSymbol(%q) = %q, want %q", tc.instID, got, tc.want)
		}
	}
}

func TestInstrumentID(t *testing.T) {
	if got := InstrumentID("BTC/USDT:USDT"); got != "BTCUSDT" {
		t.Fatalf("InstrumentID = %q, want BTCUSDT", got)
	}
	if got := InstrumentID("BTCUSDT"); got != "BTCUSDT" {
		t.Fatalf("InstrumentID 应保持原样, got %q", got)
	}
}

func TestNormalizeBase(t *testing.T) {
	cases := map[string]string{
		"1000PEPE": "PEPE",
		"PEPE":     "PEPE",
		"1INCH":    "INCH",
		"":         "",
	}
	for in, want := range cases {
		if got := NormalizeBase(in); got != want {
			t.Errorf("NormalizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBaseAsset(t *testing.T) {
	if got := BaseAsset("SOLUSDT", "USDT"); got != "SOL" {
		t.Fatalf("BaseAsset = %q, want SOL", got)
	}
	if got := BaseAsset("SOL/USDT:USDT", "USDT"); got != "SOL" {
		t.Fatalf("BaseAsset(unified) = %q, want SOL", got)
	}
}
