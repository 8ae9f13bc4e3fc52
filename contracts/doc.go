// Package contracts defines the broker-agnostic message types shared by the
// messaging engine and the backend transports: the inbound Envelope with its
// acknowledgment state machine, the outbound PublishCommand, and the error
// taxonomy that separates configuration, transient, and terminal failures.
package contracts
