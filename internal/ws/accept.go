package ws

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/pipelined/pipelined/internal/config"
)

// AcceptOptions builds the coder/websocket accept options for cors, driven
// by [config.CORSConfig] rather than a wildcard default.
func AcceptOptions(cors config.CORSConfig) *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{
		OriginPatterns: append([]string(nil), cors.AllowOrigins...),
	}
	if cors.MobileEnterpriseOrigin != "" {
		opts.OriginPatterns = append(opts.OriginPatterns, cors.MobileEnterpriseOrigin)
	}
	return opts
}

// Accept upgrades an incoming HTTP request to a WebSocket connection,
// registers it with m, and returns the new [Connection]. Callers run their
// own read loop over the returned connection and must call [Manager.Disconnect]
// when that loop exits.
func Accept(w http.ResponseWriter, r *http.Request, m *Manager, cors config.CORSConfig) (*Connection, error) {
	c, err := websocket.Accept(w, r, AcceptOptions(cors))
	if err != nil {
		return nil, err
	}
	return m.Connect(c), nil
}
