package node

import "encoding/json"

// Allowed RPC actions forwarded verbatim to the node. This allow-list is the
// entire input-sanitization boundary of the gateway.
var allowedActions = map[string]struct{}{
	"account_info":    {},
	"account_balance": {},
	"block_info":      {},
	"pending":         {},
	"process":         {},
	"work_generate":   {},
}

// ActionAllowed reports whether an inbound action may be forwarded to the node.
func ActionAllowed(action string) bool {
	_, ok := allowedActions[action]
	return ok
}

// Request is the minimal shape of an inbound gateway request. Only the action
// is inspected; the raw body is forwarded untouched.
type Request struct {
	Action  string `json:"action"`
	Account string `json:"account,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// WorkGenerateRequest asks the node to compute proof-of-work for a block hash.
type WorkGenerateRequest struct {
	Action string `json:"action"`
	Hash   string `json:"hash"`
}

// SendRequest moves funds from the configured faucet wallet to a destination
// account.
type SendRequest struct {
	Action      string `json:"action"`
	Wallet      string `json:"wallet"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

// SendResponse carries the hash of the created send block.
type SendResponse struct {
	Block string `json:"block"`
	Error string `json:"error,omitempty"`
}

// AccountInfoRequest queries ledger state for one account.
type AccountInfoRequest struct {
	Action  string `json:"action"`
	Account string `json:"account"`
}

// AccountInfoResponse holds the subset of account_info fields the gateway
// reads. Error is set for unopened accounts.
type AccountInfoResponse struct {
	Frontier string `json:"frontier"`
	Balance  string `json:"balance"`
	Error    string `json:"error,omitempty"`
}

// SubscribeOptions filters a confirmation subscription to a set of accounts.
type SubscribeOptions struct {
	Accounts []string `json:"accounts"`
}

// SubscribeCommand replaces the node-side subscription with a full account set.
type SubscribeCommand struct {
	Action  string           `json:"action"`
	Topic   string           `json:"topic"`
	Options SubscribeOptions `json:"options"`
}

// UpdateOptions carries an incremental change to a confirmation subscription.
type UpdateOptions struct {
	AccountsAdd []string `json:"accounts_add"`
	AccountsDel []string `json:"accounts_del"`
}

// UpdateCommand adjusts the node-side subscription without replacing it.
type UpdateCommand struct {
	Action  string        `json:"action"`
	Topic   string        `json:"topic"`
	Options UpdateOptions `json:"options"`
}

// TopicConfirmation is the node event topic for confirmed blocks.
const TopicConfirmation = "confirmation"

// Event is the envelope of a message published on the node's websocket API.
// The payload is relayed verbatim; only the topic is inspected.
type Event struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message,omitempty"`
}

// NewSubscribeCommand builds a full-replacement confirmation subscription.
func NewSubscribeCommand(accounts []string) *SubscribeCommand {
	return &SubscribeCommand{
		Action:  "subscribe",
		Topic:   TopicConfirmation,
		Options: SubscribeOptions{Accounts: accounts},
	}
}

// NewUpdateCommand builds an incremental confirmation subscription change.
func NewUpdateCommand(add, del []string) *UpdateCommand {
	if add == nil {
		add = []string{}
	}
	if del == nil {
		del = []string{}
	}
	return &UpdateCommand{
		Action:  "update",
		Topic:   TopicConfirmation,
		Options: UpdateOptions{AccountsAdd: add, AccountsDel: del},
	}
}
