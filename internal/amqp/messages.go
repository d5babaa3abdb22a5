package amqp

import (
	"encoding/json"
	"time"
)

// RegenerationRequestMessage asks the worker to rebuild the budget plan of a
// month. The worker reads everything else (total, locked rows, categories)
// from the database, so the message stays small.
type RegenerationRequestMessage struct {
	Month     string    `json:"month"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func NewRegenerationRequestMessage(month, reason string) *RegenerationRequestMessage {
	return &RegenerationRequestMessage{
		Month:     month,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

func (m *RegenerationRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RegenerationRequestMessageFromJSON(data []byte) (*RegenerationRequestMessage, error) {
	var msg RegenerationRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// BudgetRegeneratedMessage announces that a month's plan was rebuilt.
// Amounts travel as integer cents so consumers never touch floats.
type BudgetRegeneratedMessage struct {
	Month      string           `json:"month"`
	TotalCents int64            `json:"total_cents"`
	Categories map[string]int64 `json:"categories"`
	Timestamp  time.Time        `json:"timestamp"`
}

func NewBudgetRegeneratedMessage(month string, totalCents int64, categories map[string]int64) *BudgetRegeneratedMessage {
	return &BudgetRegeneratedMessage{
		Month:      month,
		TotalCents: totalCents,
		Categories: categories,
		Timestamp:  time.Now(),
	}
}

func (m *BudgetRegeneratedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func BudgetRegeneratedMessageFromJSON(data []byte) (*BudgetRegeneratedMessage, error) {
	var msg BudgetRegeneratedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
