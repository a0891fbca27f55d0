package fetcher

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
	"github.com/shopspring/decimal"
)

type rawBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

// normalize turns provider entries into UTC, hour-aligned bars sorted by
// timestamp. Sub-hour entries are dropped; any unparseable field rejects the
// whole batch.
func normalize(symbol, timeZone string, entries map[string]rawBar) ([]domain.Bar, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(timeZone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: unknown time zone %q", ErrMalformedPayload, symbol, tz)
		}
		loc = l
	}

	bars := make([]domain.Bar, 0, len(entries))
	for stamp, entry := range entries {
		local, err := time.ParseInLocation(domain.TimestampLayout, stamp, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: bad timestamp %q", ErrMalformedPayload, symbol, stamp)
		}
		ts := local.UTC()
		if !domain.IsHourAligned(ts) {
			continue
		}

		if err := validatePrices(entry.Open, entry.High, entry.Low, entry.Close); err != nil {
			return nil, fmt.Errorf("%w: %s at %s: %v", ErrMalformedPayload, symbol, stamp, err)
		}
		if err := validateVolume(entry.Volume); err != nil {
			return nil, fmt.Errorf("%w: %s at %s: %v", ErrMalformedPayload, symbol, stamp, err)
		}

		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      entry.Open,
			High:      entry.High,
			Low:       entry.Low,
			Close:     entry.Close,
			Volume:    entry.Volume,
		})
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	return bars, nil
}

func validatePrices(prices ...string) error {
	for _, p := range prices {
		if _, err := decimal.NewFromString(p); err != nil {
			return fmt.Errorf("price %q is not a decimal", p)
		}
	}
	return nil
}

func validateVolume(v string) error {
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsInteger() || d.IsNegative() {
		return fmt.Errorf("volume %q is not a non-negative integer", v)
	}
	return nil
}
