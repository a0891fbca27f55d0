package storage

import (
	"encoding/json"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
)

type barRecord struct {
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

type snapshotFile struct {
	GeneratedAt time.Time                       `json:"generated_at"`
	Symbols     map[string]map[string]barRecord `json:"symbols"`
}

func encodeBar(bar domain.Bar) barRecord {
	return barRecord{
		Open:   bar.Open,
		High:   bar.High,
		Low:    bar.Low,
		Close:  bar.Close,
		Volume: bar.Volume,
	}
}

func encodeSnapshot(snapshot map[string]domain.Window, generatedAt time.Time) ([]byte, error) {
	file := snapshotFile{
		GeneratedAt: generatedAt.UTC(),
		Symbols:     make(map[string]map[string]barRecord, len(snapshot)),
	}
	for symbol, window := range snapshot {
		records := make(map[string]barRecord, len(window))
		for ts, bar := range window {
			records[domain.FormatTimestamp(ts)] = encodeBar(bar)
		}
		file.Symbols[symbol] = records
	}

	return json.MarshalIndent(file, "", "  ")
}
