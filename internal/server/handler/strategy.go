package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// StrategyHandler lists the running configuration.
type StrategyHandler struct {
	strategies  domain.StrategyStore
	instruments domain.InstrumentStore
	logger      *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(strategies domain.StrategyStore, instruments domain.InstrumentStore, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{strategies: strategies, instruments: instruments, logger: logger}
}

// List returns the enabled strategies.
// GET /api/strategies
func (h *StrategyHandler) List(w http.ResponseWriter, r *http.Request) {
	strategies, err := h.strategies.ListEnabled(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list strategies failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list strategies")
		return
	}
	if strategies == nil {
		strategies = []domain.Strategy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": strategies})
}

type instrumentView struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	BinanceSymbol string  `json:"binance_symbol"`
	BybitSymbol   string  `json:"bybit_symbol"`
	LotSize       float64 `json:"lot_size"`
	TickSize      float64 `json:"tick_size"`
}

// Instruments returns the enabled instruments.
// GET /api/instruments
func (h *StrategyHandler) Instruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := h.instruments.ListEnabled(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list instruments failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list instruments")
		return
	}
	out := make([]instrumentView, 0, len(instruments))
	for _, i := range instruments {
		out = append(out, instrumentView{
			ID: i.ID, Symbol: i.Symbol, BinanceSymbol: i.VenueA.Symbol, BybitSymbol: i.VenueB.Symbol,
			LotSize: i.LotSize, TickSize: i.TickSize,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"instruments": out})
}
