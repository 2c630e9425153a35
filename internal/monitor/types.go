package monitor

import (
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventRun         EventType = "run"
	EventVenueReport EventType = "venue_report"
	EventStreamState EventType = "stream_state"
	EventError       EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// RunPayload 汇总一轮聚合。
type RunPayload struct {
	RunID      string `json:"run_id"`
	Requests   int    `json:"requests"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
}

// VenueReportPayload 记录单个交易所的模拟结果，数值保留完整精度的文本。
type VenueReportPayload struct {
	RunID             string `json:"run_id"`
	Venue             string `json:"venue"`
	Symbol            string `json:"symbol"`
	Notional          string `json:"notional"`
	FeePercent        string `json:"fee_percent"`
	FilledQuantity    string `json:"filled_quantity,omitempty"`
	AveragePrice      string `json:"average_price,omitempty"`
	TotalSpent        string `json:"total_spent,omitempty"`
	TotalCost         string `json:"total_cost,omitempty"`
	EmptyBook         bool   `json:"empty_book,omitempty"`
	InsufficientDepth bool   `json:"insufficient_depth,omitempty"`
	ErrorKind         string `json:"error_kind,omitempty"`
	StatusCode        int    `json:"status_code,omitempty"`
	Message           string `json:"message,omitempty"`
	LatencyMS         int64  `json:"latency_ms"`
}

// StreamStatePayload 记录推送源状态变化。
type StreamStatePayload struct {
	Venue  string `json:"venue"`
	Symbol string `json:"symbol"`
	State  string `json:"state"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
