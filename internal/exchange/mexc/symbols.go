package mexc

import "strings"

// quoteAssets ordered longest first so BTCUSDT splits as BTC_USDT, not
// BTC_USD + T.
var quoteAssets = []string{"USDT", "USDC", "TUSD", "USD", "EUR", "BTC", "ETH"}

// PerpSymbol converts a canonical symbol to the contract API's underscore
// form: BTCUSDT -> BTC_USDT. Symbols already containing an underscore, or
// with no recognizable quote asset, pass through unchanged.
func PerpSymbol(sym string) string {
	if strings.Contains(sym, "_") {
		return sym
	}
	for _, quote := range quoteAssets {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return sym[:len(sym)-len(quote)] + "_" + quote
		}
	}
	return sym
}

// NeutralSymbol converts any venue form back to the canonical one.
func NeutralSymbol(sym string) string {
	return strings.ReplaceAll(sym, "_", "")
}

// symbolFromChannel extracts the symbol from spot stream names like
// spot@public.deals.v3.api@BTCUSDT.
func symbolFromChannel(channel string) string {
	i := strings.LastIndex(channel, "@")
	if i < 0 || i+1 >= len(channel) {
		return ""
	}
	return channel[i+1:]
}
