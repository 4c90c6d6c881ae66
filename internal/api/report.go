package api

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"depthwatch/pkg/types"
)

const (
	defaultReportHours   = 24.0
	defaultBusiestWindow = time.Hour
)

// ReportRow aggregates the closed spans of one resting level over the
// report window.
type ReportRow struct {
	Symbol   string           `json:"symbol"`
	Market   types.MarketKind `json:"market"`
	Exchange string           `json:"exchange"`
	Side     types.BookSide   `json:"side"`
	Price    float64          `json:"price"`

	Spans           int     `json:"spans"`
	TotalDurationMs int64   `json:"totalDurationMs"`
	AvgDurationMs   int64   `json:"avgDurationMs"`
	MaxDurationMs   int64   `json:"maxDurationMs"`
	MaxZ            float64 `json:"maxZ"`
	AvgStartSize    float64 `json:"avgStartSize"`
	TradeBuyQty     float64 `json:"tradeBuyQty"`
	TradeSellQty    float64 `json:"tradeSellQty"`
	TradeCount      int     `json:"tradeCount"`
	FirstSeen       int64   `json:"firstSeen"`
	LastSeen        int64   `json:"lastSeen"`
}

// Report is the aggregation served by /api/outliers/report.
type Report struct {
	GeneratedAt int64       `json:"generatedAt"`
	WindowHours float64     `json:"windowHours"`
	SpanCount   int         `json:"spanCount"`
	Rows        []ReportRow `json:"rows"`
}

type reportKey struct {
	symbol   string
	market   types.MarketKind
	exchange string
	side     types.BookSide
	price    float64
}

// buildReport groups the spans that closed within the window by their full
// level key. Rows come back most-seen first.
func buildReport(spans []types.OutlierSpan, now time.Time, hours float64) Report {
	cut := now.Add(-time.Duration(hours * float64(time.Hour))).UnixMilli()

	byKey := make(map[reportKey]*ReportRow)
	startSizeSum := make(map[reportKey]float64)
	total := 0

	for _, sp := range spans {
		if sp.EndTs < cut {
			continue
		}
		total++
		k := reportKey{sp.Symbol, sp.Market, sp.Exchange, sp.Side, sp.Price}
		row, ok := byKey[k]
		if !ok {
			row = &ReportRow{
				Symbol:    sp.Symbol,
				Market:    sp.Market,
				Exchange:  sp.Exchange,
				Side:      sp.Side,
				Price:     sp.Price,
				FirstSeen: sp.StartTs,
				LastSeen:  sp.EndTs,
			}
			byKey[k] = row
		}
		row.Spans++
		row.TotalDurationMs += sp.DurationMs
		if sp.DurationMs > row.MaxDurationMs {
			row.MaxDurationMs = sp.DurationMs
		}
		if sp.MaxZ > row.MaxZ {
			row.MaxZ = sp.MaxZ
		}
		row.TradeBuyQty += sp.TradeBuyQty
		row.TradeSellQty += sp.TradeSellQty
		row.TradeCount += sp.TradeCount
		if sp.StartTs < row.FirstSeen {
			row.FirstSeen = sp.StartTs
		}
		if sp.EndTs > row.LastSeen {
			row.LastSeen = sp.EndTs
		}
		startSizeSum[k] += sp.StartSize
	}

	rows := make([]ReportRow, 0, len(byKey))
	for k, row := range byKey {
		row.AvgDurationMs = row.TotalDurationMs / int64(row.Spans)
		row.AvgStartSize = startSizeSum[k] / float64(row.Spans)
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Spans != rows[j].Spans {
			return rows[i].Spans > rows[j].Spans
		}
		if rows[i].TotalDurationMs != rows[j].TotalDurationMs {
			return rows[i].TotalDurationMs > rows[j].TotalDurationMs
		}
		return rows[i].Symbol < rows[j].Symbol
	})

	return Report{
		GeneratedAt: now.UnixMilli(),
		WindowHours: hours,
		SpanCount:   total,
		Rows:        rows,
	}
}

// BusiestWindow is the fixed-size window holding the most span openings.
type BusiestWindow struct {
	StartTs  int64          `json:"startTs"`
	EndTs    int64          `json:"endTs"`
	WindowMs int64          `json:"windowMs"`
	Spans    int            `json:"spans"`
	Symbols  map[string]int `json:"symbols"`
}

// busiestWindow slides the window over span start times, two pointers over
// the sorted starts, and keeps the densest position.
func busiestWindow(spans []types.OutlierSpan, window time.Duration) (BusiestWindow, bool) {
	if len(spans) == 0 {
		return BusiestWindow{}, false
	}

	sorted := make([]types.OutlierSpan, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTs < sorted[j].StartTs })

	w := window.Milliseconds()
	bestLo, bestHi := 0, 1
	lo := 0
	for hi := range sorted {
		for sorted[hi].StartTs-sorted[lo].StartTs >= w {
			lo++
		}
		if hi-lo+1 > bestHi-bestLo {
			bestLo, bestHi = lo, hi+1
		}
	}

	out := BusiestWindow{
		StartTs:  sorted[bestLo].StartTs,
		EndTs:    sorted[bestLo].StartTs + w,
		WindowMs: w,
		Spans:    bestHi - bestLo,
		Symbols:  make(map[string]int),
	}
	for _, sp := range sorted[bestLo:bestHi] {
		out.Symbols[sp.Symbol]++
	}
	return out, true
}

func (h *Handlers) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.report(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, rep)
}

func (h *Handlers) handleReportCSV(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.report(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="outlier_report.csv"`)
	if err := writeReportCSV(w, rep); err != nil {
		h.log.Error().Err(err).Msg("write report csv")
	}
}

func (h *Handlers) handleReportBusiest(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	window := defaultBusiestWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, fmt.Sprintf("bad window %q", raw), http.StatusBadRequest)
			return
		}
		window = d
	}

	bw, ok := busiestWindow(h.stores.Spans.History(0, f), window)
	if !ok {
		bw = BusiestWindow{WindowMs: window.Milliseconds(), Symbols: map[string]int{}}
	}
	h.writeJSON(w, bw)
}

// report parses the window and filter and builds the aggregation. On a bad
// value it writes the 400 itself and reports !ok.
func (h *Handlers) report(w http.ResponseWriter, r *http.Request) (Report, bool) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return Report{}, false
	}
	hours := defaultReportHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			http.Error(w, fmt.Sprintf("bad hours %q", raw), http.StatusBadRequest)
			return Report{}, false
		}
		hours = v
	}
	return buildReport(h.stores.Spans.History(0, f), time.Now(), hours), true
}

func writeReportCSV(w io.Writer, rep Report) error {
	cw := csv.NewWriter(w)
	header := []string{
		"symbol", "market", "exchange", "side", "price", "spans",
		"totalDurationMs", "avgDurationMs", "maxDurationMs", "maxZ",
		"avgStartSize", "tradeBuyQty", "tradeSellQty", "tradeCount",
		"firstSeen", "lastSeen",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rep.Rows {
		rec := []string{
			row.Symbol,
			string(row.Market),
			row.Exchange,
			string(row.Side),
			formatFloat(row.Price),
			strconv.Itoa(row.Spans),
			strconv.FormatInt(row.TotalDurationMs, 10),
			strconv.FormatInt(row.AvgDurationMs, 10),
			strconv.FormatInt(row.MaxDurationMs, 10),
			formatFloat(row.MaxZ),
			formatFloat(row.AvgStartSize),
			formatFloat(row.TradeBuyQty),
			formatFloat(row.TradeSellQty),
			strconv.Itoa(row.TradeCount),
			strconv.FormatInt(row.FirstSeen, 10),
			strconv.FormatInt(row.LastSeen, 10),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
