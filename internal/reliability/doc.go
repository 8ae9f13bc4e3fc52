// Package reliability provides the retry policies and circuit breaker used
// around publish operations. Retries apply only to transient broker errors;
// configuration errors and terminal client errors fail fast.
package reliability
