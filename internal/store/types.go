package store

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	Channel      string
	Recipient    string
	Subject      string
	Body         string
	From         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	GatewayMsgID string
}
