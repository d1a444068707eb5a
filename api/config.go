// Package api provides an HTTP API server for submitting documents and
// inspecting job results and character memory.
package api

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8090")
	ListenAddr string
}
