// Package app assembles the gateway runtime from configuration: the store,
// the identity manager, the canister registry, one agent per network and the
// actor controller.
//
// Responsibilities:
// - Own the lifetime of every stateful component and close them in order.
// - Translate config sections into component options.
//
// Non-responsibilities:
// - JSON-RPC/HTTP protocol handling and endpoint-level mapping.
package app
