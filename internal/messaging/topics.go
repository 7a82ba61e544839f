package messaging

// Topic constants for the gateway messaging system
const (
	// TopicConfirmations carries every block confirmation the gateway relayed
	// to downstream clients.
	TopicConfirmations = "nano.confirmations"

	// TopicPayouts carries faucet payout records for external accounting.
	TopicPayouts = "nano.payouts"
)
