package bridge

import (
	"encoding/json"
	"time"
)

// Operations understood by the terminal adapter.
const (
	OpPing           = "PING"
	OpGetBars        = "GET_BARS"
	OpGetPrice       = "GET_PRICE"
	OpGetSymbol      = "GET_SYMBOL"
	OpGetAccount     = "GET_ACCOUNT"
	OpGetPositions   = "GET_POSITIONS"
	OpOpenPosition   = "OPEN_POSITION"
	OpClosePosition  = "CLOSE_POSITION"
	OpModifyPosition = "MODIFY_POSITION"
)

// Directions as the terminal understands them.
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// Bar represents a single OHLCV candle
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Quote is the current bid/ask for a symbol
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// SymbolInfo carries the broker's trading parameters for a symbol
type SymbolInfo struct {
	Symbol       string  `json:"symbol"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
	ContractSize float64 `json:"contract_size"`
	PipValue     float64 `json:"pip_value"` // account-currency value of one pip per lot
	TradeAllowed bool    `json:"trade_allowed"`
}

// Account is a snapshot of the brokerage account
type Account struct {
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	Margin        float64 `json:"margin"`
	FreeMargin    float64 `json:"free_margin"`
	MarginLevel   float64 `json:"margin_level"`
	Profit        float64 `json:"profit"`
	Currency      string  `json:"currency"`
	Leverage      int     `json:"leverage"`
	AccountNumber int64   `json:"account_number"`
	Server        string  `json:"server"`
	Company       string  `json:"company"`
	OpenPositions int     `json:"open_positions"`
}

// Position is a live position as reported by the terminal
type Position struct {
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	Volume     float64   `json:"volume"`
	OpenPrice  float64   `json:"open_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Profit     float64   `json:"profit"`
	OpenTime   time.Time `json:"open_time"`
	Comment    string    `json:"comment"`
}

// OpenRequest asks the terminal to open a market position
type OpenRequest struct {
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Volume     float64 `json:"volume"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Comment    string  `json:"comment,omitempty"`
}

// OpenResult reports a filled open request
type OpenResult struct {
	Ticket         int64   `json:"ticket"`
	ExecutionPrice float64 `json:"execution_price"`
	ExecutedVolume float64 `json:"executed_volume"`
}

// CloseResult reports a full or partial close fill
type CloseResult struct {
	Ticket          int64   `json:"ticket"`
	ClosePrice      float64 `json:"close_price"`
	ClosedVolume    float64 `json:"closed_volume"`
	RemainingVolume float64 `json:"remaining_volume"`
	Profit          float64 `json:"profit"`
}

// request/response are the wire envelope; one reply per request, matched by id.
type request struct {
	ID     string      `json:"id"`
	Op     string      `json:"op"`
	Params interface{} `json:"params,omitempty"`
}

type response struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"` // "ok" or "error"
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
