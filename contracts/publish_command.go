package contracts

// PublishCommand is a fully-resolved description of one outbound send.
// The publisher builds a fresh command per call and never mutates it after
// handing it to the broker client.
type PublishCommand struct {
	// Destination is the topic, queue, or subject to publish to.
	Destination string
	// Payload is the message body for a single send.
	Payload []byte
	// BatchPayloads holds the ordered bodies for a batch send. Batch is true
	// when the command describes a batch; Payload is ignored in that case.
	BatchPayloads [][]byte
	// Batch selects batch vs single send.
	Batch bool
	// Headers are the merged publisher-default and caller-supplied headers.
	Headers map[string]string
	// CorrelationID is always set; the publisher generates one if absent.
	CorrelationID string
	// ReplyTo is the destination a response should be sent to, if any.
	ReplyTo string
	// Key is the optional partitioning key for key-bearing backends.
	Key []byte
	// Partition is the explicit partition assignment, or a negative value
	// when the backend should pick.
	Partition int
	// AwaitConfirm indicates the call must block for backend confirmation.
	AwaitConfirm bool
}
