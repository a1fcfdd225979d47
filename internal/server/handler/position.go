package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// PositionHandler serves read-only position endpoints.
type PositionHandler struct {
	positions  domain.PositionStore
	executions domain.ExecutionStore
	logger     *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions domain.PositionStore, executions domain.ExecutionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, executions: executions, logger: logger}
}

type positionView struct {
	ID             string           `json:"id"`
	StrategyID     string           `json:"strategy_id"`
	InstrumentID   string           `json:"instrument_id"`
	Symbol         string           `json:"symbol"`
	Account        string           `json:"account,omitempty"`
	Mode           domain.Mode      `json:"mode"`
	Side           domain.Side      `json:"side"`
	Stage          domain.Stage     `json:"stage"`
	Size           float64          `json:"size"`
	Remaining      float64          `json:"remaining"`
	EntryPrice     float64          `json:"entry_price"`
	CostBasis      float64          `json:"cost_basis"`
	OpenedAt       time.Time        `json:"opened_at"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	NeedsReconcile bool             `json:"needs_reconcile"`
	Exit           domain.ExitState `json:"exit"`
}

func viewPosition(p domain.Position) positionView {
	return positionView{
		ID:             p.ID,
		StrategyID:     p.StrategyID,
		InstrumentID:   p.InstrumentID,
		Symbol:         p.Symbol,
		Account:        p.Account,
		Mode:           p.Mode,
		Side:           p.Side,
		Stage:          p.Stage(),
		Size:           p.Size,
		Remaining:      p.Remaining(),
		EntryPrice:     p.EntryPrice,
		CostBasis:      p.CostBasis(),
		OpenedAt:       p.OpenedAt,
		ClosedAt:       p.ClosedAt,
		NeedsReconcile: p.NeedsReconcile,
		Exit:           p.Exit,
	}
}

type executionView struct {
	ID      string               `json:"id"`
	FillID  string               `json:"fill_id"`
	OrderID string               `json:"order_id"`
	Side    domain.OrderSide     `json:"side"`
	Kind    domain.ExecutionKind `json:"kind"`
	Size    float64              `json:"size"`
	Price   float64              `json:"price"`
	Fee     float64              `json:"fee"`
	PnL     *float64             `json:"pnl,omitempty"`
	Time    time.Time            `json:"time"`
}

// ListOpen returns the open live positions of an account.
// GET /api/positions?account=main
func (h *PositionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "account query parameter required")
		return
	}
	positions, err := h.positions.ListOpenByAccount(r.Context(), account)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, viewPosition(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// Get returns one position with its executions.
// GET /api/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, err := h.positions.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}

	execs, err := h.executions.ListByPosition(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load executions")
		return
	}
	views := make([]executionView, 0, len(execs))
	for _, e := range execs {
		views = append(views, executionView{
			ID: e.ID, FillID: e.FillID, OrderID: e.OrderID, Side: e.Side, Kind: e.Kind,
			Size: e.Size, Price: e.Price, Fee: e.Fee, PnL: e.PnL, Time: e.Time,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"position":   viewPosition(pos),
		"executions": views,
	})
}
