// Package messaging implements the broker-agnostic subscriber/publisher
// lifecycle engine: the consumption loop, the acknowledgment-policy state
// machine, batching, and bounded-concurrency fan-out.
//
// The engine is generic over an opaque backend-native message type. Backend
// adapters under transports/ implement the BrokerClient capability with their
// concrete message type; the engine never calls backend APIs directly.
//
// A Subscriber owns one logical consumption task that repeatedly fetches from
// the broker client, parses raw messages into contracts.Envelope values,
// dispatches them to the registered handler, and applies the configured
// AckPolicy. Concurrent mode inserts a bounded queue between fetch and handler
// execution; pull-style access (GetOne, Iter) bypasses the loop entirely.
package messaging
