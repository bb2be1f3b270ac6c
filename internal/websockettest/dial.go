package websockettest

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Dial connects to an httptest server URL, rewriting the scheme to ws or wss.
func Dial(serverURL, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	target := strings.Replace(serverURL, "http", "ws", 1) + path
	return websocket.DefaultDialer.Dial(target, header)
}

// ReadJSON reads the next text message into v, failing after timeout.
func ReadJSON(conn *websocket.Conn, v any, timeout time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
