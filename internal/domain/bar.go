package domain

import "time"

// Bar is one hourly OHLCV observation. Prices and volume keep the provider's
// text so no precision is lost on the way through the cache.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
}

// Window maps an hour-aligned UTC timestamp to the bar observed at that hour.
type Window map[time.Time]Bar

// Clone returns a copy of w that shares nothing with it.
func (w Window) Clone() Window {
	out := make(Window, len(w))
	for ts, bar := range w {
		out[ts] = bar
	}
	return out
}
