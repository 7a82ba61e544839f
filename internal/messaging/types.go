package messaging

import (
	"encoding/json"
	"time"
)

// ConfirmationEvent mirrors the node's confirmation topic envelope, parsed
// far enough to key archive records by block hash.
type ConfirmationEvent struct {
	Topic   string              `json:"topic"`
	Time    string              `json:"time"`
	Message ConfirmationMessage `json:"message"`
}

// ConfirmationMessage is the inner confirmation payload. Block is kept raw;
// the gateway never interprets block contents.
type ConfirmationMessage struct {
	Account          string          `json:"account"`
	Amount           string          `json:"amount"`
	Hash             string          `json:"hash"`
	ConfirmationType string          `json:"confirmation_type"`
	Block            json.RawMessage `json:"block,omitempty"`
}

// PayoutRecord is the faucet payout message published for external
// accounting.
type PayoutRecord struct {
	Account   string    `json:"account"`
	Amount    string    `json:"amount"`
	SendHash  string    `json:"send_hash"`
	CreatedAt time.Time `json:"created_at"`
}
