package bybit

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// envelope is the common v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type listResult[T any] struct {
	Category       string `json:"category"`
	List           []T    `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

type orderCreateRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

type orderCancelRequest struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"orderId"`
}

type tradingStopRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	TpslMode    string `json:"tpslMode"`
	PositionIdx int    `json:"positionIdx"`
	StopLoss    string `json:"stopLoss,omitempty"`
	TakeProfit  string `json:"takeProfit,omitempty"`
}

type orderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type openOrder struct {
	OrderID    string `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Qty        string `json:"qty"`
	ReduceOnly bool   `json:"reduceOnly"`
}

func (o openOrder) toDomain() domain.OpenOrder {
	return domain.OpenOrder{
		OrderID:    o.OrderID,
		Symbol:     o.Symbol,
		Side:       orderSide(o.Side),
		Price:      num(o.Price),
		Qty:        num(o.Qty),
		ReduceOnly: o.ReduceOnly,
	}
}

type position struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Size     string `json:"size"`
	AvgPrice string `json:"avgPrice"`
}

func (p position) toDomain() domain.VenuePosition {
	side := domain.SideLong
	if p.Side == "Sell" {
		side = domain.SideShort
	}
	return domain.VenuePosition{
		Symbol:   p.Symbol,
		Side:     side,
		Size:     num(p.Size),
		AvgPrice: num(p.AvgPrice),
	}
}

type ticker struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (t ticker) toDomain() domain.Ticker {
	return domain.Ticker{
		Symbol:          t.Symbol,
		MarkPrice:       num(t.MarkPrice),
		FundingRate:     num(t.FundingRate),
		NextFundingTime: millis(t.NextFundingTime),
	}
}

// Execution is one trade of an order, as returned by the execution list
// endpoint and pushed on the private "execution" topic.
type Execution struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	ExecID      string `json:"execId"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	ExecType    string `json:"execType"`
	ExecTime    string `json:"execTime"`
}

// IsTrade reports whether the execution is an order fill rather than a
// funding or settlement entry.
func (e Execution) IsTrade() bool {
	return e.ExecType == "" || e.ExecType == "Trade"
}

// ToFill converts the execution to a domain fill for account. The exec id
// identifies the fill; the order id completes the dedup key.
func (e Execution) ToFill(account string) domain.Fill {
	return domain.Fill{
		FillID:   e.ExecID,
		TradeID:  e.OrderID,
		OrderID:  e.OrderID,
		ClientID: e.OrderLinkID,
		Account:  account,
		Symbol:   e.Symbol,
		Side:     orderSide(e.Side),
		Qty:      num(e.ExecQty),
		Price:    num(e.ExecPrice),
		Fee:      num(e.ExecFee),
		Time:     millis(e.ExecTime),
	}
}

// ExecutionMessage is a push on the private "execution" topic.
type ExecutionMessage struct {
	Topic        string      `json:"topic"`
	ID           string      `json:"id"`
	CreationTime int64       `json:"creationTime"`
	Data         []Execution `json:"data"`
}

// OpMessage is the acknowledgement of a websocket op (auth, subscribe, ping).
type OpMessage struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ConnID  string `json:"conn_id"`
}

func venueSide(s domain.OrderSide) string {
	if s == domain.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func orderSide(s string) domain.OrderSide {
	if strings.EqualFold(s, "Sell") {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}

func num(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func decimalString(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
