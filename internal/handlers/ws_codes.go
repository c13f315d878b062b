// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the matchmaking endpoint.
// These provide more specific reasons for closure than standard codes.
const (
	BadSubprotocolError  = 3000 // Client connected with an unsupported subprotocol.
	MissingUsernameError = 3004 // The username query parameter was empty.
	ShuttingDownError    = 3005 // The server is shutting down; reconnect later.
)
