package domain

import "log/slog"

// LogContext identifies the strategy, instrument and position a log line
// belongs to. It is a value: With methods return a modified copy and never
// touch the receiver, so concurrent cycles cannot leak fields into each other.
type LogContext struct {
	StrategyID   string
	StrategyName string
	InstrumentID string
	Symbol       string
	Mode         Mode
	PositionID   string
}

// NewLogContext builds the context for one (strategy, instrument) cycle.
func NewLogContext(s Strategy, inst Instrument) LogContext {
	return LogContext{
		StrategyID:   s.ID,
		StrategyName: s.Name,
		InstrumentID: inst.ID,
		Symbol:       inst.Symbol,
		Mode:         s.Mode,
	}
}

// WithPosition returns a copy tagged with the position id.
func (c LogContext) WithPosition(id string) LogContext {
	c.PositionID = id
	return c
}

// Attrs renders the non-empty fields as slog attributes.
func (c LogContext) Attrs() []any {
	attrs := make([]any, 0, 6)
	add := func(k, v string) {
		if v != "" {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	add("strategy_id", c.StrategyID)
	add("strategy", c.StrategyName)
	add("instrument_id", c.InstrumentID)
	add("symbol", c.Symbol)
	add("mode", string(c.Mode))
	add("position_id", c.PositionID)
	return attrs
}

// Logger returns base annotated with the context.
func (c LogContext) Logger(base *slog.Logger) *slog.Logger {
	return base.With(c.Attrs()...)
}

// Detail renders the context for audit rows and notifications.
func (c LogContext) Detail() map[string]any {
	d := map[string]any{
		"strategy_id":   c.StrategyID,
		"instrument_id": c.InstrumentID,
		"symbol":        c.Symbol,
		"mode":          string(c.Mode),
	}
	if c.PositionID != "" {
		d["position_id"] = c.PositionID
	}
	return d
}
