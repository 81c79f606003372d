// Package channel defines the broadcast/presence channel capability the
// collaboration core is built on, plus an in-memory hub implementation for
// same-process rooms and tests.
//
// A channel is a named topic supporting fire-and-forget broadcast events and
// an optional presence facility: per-client keyed state that is replaced on
// every Track call and removed when the client unsubscribes. Delivery is
// asynchronous and preserves per-sender order; no global order is assumed.
package channel
