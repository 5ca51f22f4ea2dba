package transport

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/edgexr/edge-events/logging"
)

// warnAndClose emits message as a warning and the sends a Bad Request
// response to the client using writer.
func warnAndClose(writer http.ResponseWriter, message string) {
	logging.Logger.Warn(message)
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

// Upgrade accepts an edge events stream on the server side. On failure a
// response has already been written.
func Upgrade(upgrader *websocket.Upgrader, writer http.ResponseWriter, request *http.Request) (*websocket.Conn, error) {
	if !websocket.IsWebSocketUpgrade(request) {
		warnAndClose(writer, "transport: not a websocket upgrade")
		return nil, fmt.Errorf("transport: not a websocket upgrade")
	}
	if !containsProtocol(websocket.Subprotocols(request), SecWebSocketProtocol) {
		warnAndClose(writer, "transport: missing Sec-WebSocket-Protocol in request")
		return nil, fmt.Errorf("transport: missing %s subprotocol", SecWebSocketProtocol)
	}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", SecWebSocketProtocol)
	conn, err := upgrader.Upgrade(writer, request, headers)
	if err != nil {
		// Upgrade already replied to the client.
		logging.Logger.WithError(err).Warn("transport: cannot UPGRADE to WebSocket")
		return nil, err
	}
	conn.SetReadLimit(MaxMessageSize)
	return conn, nil
}

func containsProtocol(protocols []string, want string) bool {
	for _, p := range protocols {
		if p == want {
			return true
		}
	}
	return false
}
