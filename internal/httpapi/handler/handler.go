package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	apiKeyHeader        = "x-api-key"
	defaultCyclesLimit  = 20
	maxCyclesLimit      = 500
	unauthorizedMessage = "invalid or missing API key"
)

type handler struct {
	quotes  quoteService
	history cycleHistory
	apiKey  string
	runType string
}

func NewHandler(quotes quoteService, history cycleHistory, apiKey, runType string) *handler {
	return &handler{
		quotes:  quotes,
		history: history,
		apiKey:  apiKey,
		runType: runType,
	}
}

// Register mounts every route on mux.
func (h *handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /getStock", h.requireKey(http.HandlerFunc(h.GetStock)))
	mux.Handle("GET /allData", h.requireKey(http.HandlerFunc(h.AllData)))
	mux.Handle("GET /symbolData/{symbol}", h.requireKey(http.HandlerFunc(h.SymbolData)))
	mux.Handle("GET /availableSymbols", h.requireKey(http.HandlerFunc(h.AvailableSymbols)))
	mux.Handle("GET /cycles", h.requireKey(http.HandlerFunc(h.Cycles)))

	mux.HandleFunc("GET /status", h.Status)
	mux.HandleFunc("GET /info", h.Info)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

func (h *handler) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			slog.WarnContext(r.Context(), "invalid API key attempt", "path", r.URL.Path)
			writeMessage(w, http.StatusUnauthorized, unauthorizedMessage)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) GetStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol, date, hour := q.Get("symbol"), q.Get("date"), q.Get("hour")

	quote, err := h.quotes.Lookup(symbol, date, hour)
	if err != nil {
		status, body := errorToResponse(err)
		if status == http.StatusInternalServerError {
			slog.ErrorContext(r.Context(), "unexpected lookup error",
				"symbol", symbol, "date", date, "hour", hour, "stage", "lookup", "error", err)
		} else {
			slog.InfoContext(r.Context(), "lookup rejected",
				"symbol", symbol, "date", date, "hour", hour, "status", status, "reason", err)
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *handler) AllData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.quotes.AllData())
}

func (h *handler) SymbolData(w http.ResponseWriter, r *http.Request) {
	symbol, series, err := h.quotes.SymbolData(r.PathValue("symbol"))
	if err != nil {
		status, body := errorToResponse(err)
		if status == http.StatusInternalServerError {
			slog.ErrorContext(r.Context(), "unexpected symbol data error",
				"symbol", r.PathValue("symbol"), "stage", "symbol_data", "error", err)
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{symbol: series})
}

func (h *handler) AvailableSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"available_symbols": nonNil(h.quotes.AvailableSymbols()),
	})
}

func (h *handler) Cycles(w http.ResponseWriter, r *http.Request) {
	limit := defaultCyclesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxCyclesLimit {
			writeMessage(w, http.StatusBadRequest, "invalid limit: must be an integer between 1 and "+strconv.Itoa(maxCyclesLimit))
			return
		}
		limit = n
	}

	cycles, err := h.history.RecentCycles(r.Context(), limit)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to read cycle history", "stage", "cycles", "error", err)
		writeMessage(w, http.StatusInternalServerError, internalErrorMessage)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func (h *handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.quotes.Status())
}

func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.quotes.Health()
	if !health.Healthy() {
		slog.WarnContext(r.Context(), "health check failed", "reasons", health.Reasons)
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *handler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

type endpointInfo struct {
	Path        string `json:"path"`
	Auth        bool   `json:"auth"`
	Description string `json:"description"`
}

var endpoints = []endpointInfo{
	{Path: "/getStock?symbol=&date=YYYY-MM-DD&hour=0-23", Auth: true, Description: "one hourly bar"},
	{Path: "/allData", Auth: true, Description: "every cached bar by symbol and timestamp"},
	{Path: "/symbolData/{symbol}", Auth: true, Description: "every cached bar for one symbol"},
	{Path: "/availableSymbols", Auth: true, Description: "symbols that currently hold data"},
	{Path: "/cycles?limit=", Auth: true, Description: "recent refresh cycles"},
	{Path: "/status", Description: "refresh and cache statistics"},
	{Path: "/health", Description: "health checks with reasons"},
	{Path: "/ping", Description: "liveness"},
	{Path: "/metrics", Description: "prometheus metrics"},
}

func (h *handler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":         "quotecache",
		"description":     "hourly stock bars held in memory for the configured symbols",
		"run_type":        h.runType,
		"symbols_tracked": h.quotes.TrackedSymbols(),
		"auth_header":     apiKeyHeader,
		"endpoints":       endpoints,
	})
}
