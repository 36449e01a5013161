package driver

import "time"

const (
	EventStatus        = "status"
	EventConnected     = "connected"
	EventDisconnected  = "disconnected"
	EventNewStatus     = "new_status"
	EventDailyLimit    = "daily_limit"
	EventBolusProgress = "bolus_progress"
	EventHistory       = "history"
	EventPumpError     = "pump_error"
)

// Event is a status notification emitted at each phase of an operation.
type Event struct {
	Kind      string         `json:"kind"`
	Time      time.Time      `json:"time"`
	Message   string         `json:"message,omitempty"`
	Percent   int            `json:"percent,omitempty"`
	Delivered float64        `json:"delivered,omitempty"`
	Record    *HistoryRecord `json:"record,omitempty"`
}

// EventSink receives events. Publish is called from operation goroutines and
// from the I/O loop and must not block.
type EventSink interface {
	Publish(Event)
}

// HistoryRecord is one entry of the pump event log or of a history page.
type HistoryRecord struct {
	Source uint16    `json:"source"`
	Type   byte      `json:"type"`
	Time   time.Time `json:"time"`
	Param1 int       `json:"param1"`
	Param2 int       `json:"param2"`
}

type discardSink struct{}

func (discardSink) Publish(Event) {}
