package postgres

import "time"

// Payout is one faucet payout, recorded after the node accepted the send.
type Payout struct {
	ID        int64     `json:"id" db:"id"`
	Account   string    `json:"account" db:"account"`
	Amount    string    `json:"amount" db:"amount"`
	SendHash  string    `json:"send_hash" db:"send_hash"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
