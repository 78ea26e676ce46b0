// Package api provides the HTTP REST API and live-update websocket
// server for Coffer.
//
// It exposes the authentication lifecycle (registration, login,
// second-factor challenges, token refresh, logout), the vault sync and
// mutation endpoints, and the ticket-authenticated websocket channel
// over which change notifications are pushed.
//
// The server follows the same lifecycle pattern as the other
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
