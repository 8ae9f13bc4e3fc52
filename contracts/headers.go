package contracts

// Header names used to carry engine metadata on backends whose native wire
// format has no dedicated field for it.
const (
	HeaderCorrelationID = "correlation-id"
	HeaderReplyTo       = "reply-to"
	HeaderMessageID     = "message-id"
)
