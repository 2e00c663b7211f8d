package upgrade

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/yourusername/reactorhttp/pkg/http11"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	ErrNotWebSocket        = errors.New("upgrade: not a websocket handshake")
	ErrBadWebSocketKey     = errors.New("upgrade: missing or invalid Sec-WebSocket-Key")
	ErrBadWebSocketVersion = errors.New("upgrade: unsupported Sec-WebSocket-Version")
)

// AcceptKey computes the Sec-WebSocket-Accept value for a handshake
// (RFC 6455 §1.3): base64(SHA1(key + GUID)).
func AcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// IsUpgradeRequest reports whether req carries the headers RFC 6455
// §4.2.1 requires of a WebSocket opening handshake.
func IsUpgradeRequest(req *http11.Request) bool {
	return req.IsGET() &&
		headerContains(req, "Connection", "upgrade") &&
		headerContains(req, "Upgrade", "websocket") &&
		req.GetHeaderString("Sec-WebSocket-Version") == "13" &&
		req.GetHeaderString("Sec-WebSocket-Key") != ""
}

// headerContains reports whether the comma-separated header named
// name contains token, case-insensitively (Connection and Upgrade are
// both defined as comma-separated token lists).
func headerContains(req *http11.Request, name, token string) bool {
	value := req.GetHeaderString(name)
	if value == "" {
		return false
	}
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Upgrade validates ex's request as a WebSocket opening handshake,
// finishes the HTTP response as a 101 Switching Protocols, and hijacks
// the connection into a Conn ready for ReadMessage/WriteMessage.
//
// Unlike a standalone http.Hijacker-based upgrader, Upgrade never
// writes its own response bytes: ex.SetStatus/SetHeader build the 101
// response the same way any other handler response is built, and
// ex.Hijack() flushes it before handing back the raw connection — so
// there is exactly one writer of the handshake response.
func Upgrade(ex *http11.Exchange) (*Conn, error) {
	req := ex.Request()
	if !IsUpgradeRequest(req) {
		if req.GetHeaderString("Sec-WebSocket-Version") != "" && req.GetHeaderString("Sec-WebSocket-Version") != "13" {
			return nil, ErrBadWebSocketVersion
		}
		return nil, ErrNotWebSocket
	}

	key := req.GetHeaderString("Sec-WebSocket-Key")
	if key == "" {
		return nil, ErrBadWebSocketKey
	}

	ex.SetStatus(101, "Switching Protocols")
	ex.SetHeader("Upgrade", "websocket")
	ex.SetHeader("Connection", "Upgrade")
	ex.SetHeader("Sec-WebSocket-Accept", AcceptKey(key))

	if proto := req.GetHeaderString("Sec-WebSocket-Protocol"); proto != "" {
		if first := strings.TrimSpace(strings.Split(proto, ",")[0]); first != "" {
			ex.SetHeader("Sec-WebSocket-Protocol", first)
		}
	}

	ep, sc, err := ex.Hijack()
	if err != nil {
		return nil, err
	}
	return newConn(ep, sc), nil
}
