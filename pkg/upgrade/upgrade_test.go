package upgrade

import (
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/yourusername/reactorhttp/pkg/endpoint"
	"github.com/yourusername/reactorhttp/pkg/http11"
)

// fakeAddr is a minimal net.Addr double.
type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// bufEndpoint is a SelectableEndpoint double backed by queued byte
// chunks, mirroring http11's own test double: feed() queues what Fill
// hands back across successive calls, Flush appends to an inspectable
// output buffer.
type bufEndpoint struct {
	mu     sync.Mutex
	input  [][]byte
	output []byte
	closed bool
}

func (e *bufEndpoint) feed(b []byte) {
	e.mu.Lock()
	e.input = append(e.input, append([]byte(nil), b...))
	e.mu.Unlock()
}

func (e *bufEndpoint) Fill(buf []byte, n int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.input) == 0 {
		return n, nil
	}
	chunk := e.input[0]
	e.input = e.input[1:]
	return n + copy(buf[n:], chunk), nil
}

func (e *bufEndpoint) Flush(bufs ...[]byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, b := range bufs {
		e.output = append(e.output, b...)
		total += len(b)
	}
	return total, nil
}

func (e *bufEndpoint) ShutdownInput() error  { return nil }
func (e *bufEndpoint) ShutdownOutput() error { return nil }
func (e *bufEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
func (e *bufEndpoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}
func (e *bufEndpoint) IsInputShutdown() bool   { return false }
func (e *bufEndpoint) IsOutputShutdown() bool  { return false }
func (e *bufEndpoint) LocalAddr() net.Addr     { return nil }
func (e *bufEndpoint) RemoteAddr() net.Addr    { return fakeAddr("10.0.0.1:5555") }
func (e *bufEndpoint) MaxIdleTime() int64      { return 0 }
func (e *bufEndpoint) SetMaxIdleTime(int64)    {}
func (e *bufEndpoint) SetReadInterested(bool)  {}
func (e *bufEndpoint) SetWriteInterested(bool) {}
func (e *bufEndpoint) SetCheckForIdle(bool)    {}
func (e *bufEndpoint) Fd() int                 { return -1 }

func (e *bufEndpoint) outputString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.output)
}

type fakeSelector struct{}

func (s *fakeSelector) Register(ep endpoint.SelectableEndpoint, onReadable, onWriteable func(), onIdleExpired func()) error {
	return nil
}
func (s *fakeSelector) Deregister(endpoint.SelectableEndpoint) {}
func (s *fakeSelector) Run() error                             { return nil }
func (s *fakeSelector) Close() error                           { return nil }

// TestAcceptKeyMatchesRFC6455Example checks the worked example from
// RFC 6455 §1.3.
func TestAcceptKeyMatchesRFC6455Example(t *testing.T) {
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("AcceptKey = %q, want %q", got, want)
	}
}

func handshakeRequest() string {
	return "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"
}

func TestUpgradeWritesHandshakeResponseOnce(t *testing.T) {
	var got *Conn
	handler := http11.HandlerFunc(func(ex *http11.Exchange) {
		c, err := Upgrade(ex)
		if err != nil {
			t.Fatalf("Upgrade: %v", err)
		}
		got = c
	})

	ep := &bufEndpoint{}
	hc, err := http11.NewHttpConnection(ep, &fakeSelector{}, nil, handler, 0, nil)
	if err != nil {
		t.Fatalf("NewHttpConnection: %v", err)
	}

	ep.feed([]byte(handshakeRequest()))
	hc.OnFillable()

	out := ep.outputString()
	if !strings.HasPrefix(out, "HTTP/1.1 101 Switching Protocols\r\n") {
		t.Fatalf("expected 101 response, got %q", out)
	}
	if !strings.Contains(out, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=") {
		t.Fatalf("missing computed accept key, got %q", out)
	}
	if got == nil {
		t.Fatal("Upgrade did not return a Conn")
	}

	// The response must be written exactly once: further fillable
	// events must not cause the hijacked connection to re-emit HTTP.
	before := len(ep.outputString())
	ep.feed([]byte("opaque websocket bytes"))
	hc.OnFillable()
	if len(ep.outputString()) != before {
		t.Fatal("hijacked connection resumed HTTP/1.1 processing")
	}
}

func TestUpgradeRejectsMissingHeaders(t *testing.T) {
	handler := http11.HandlerFunc(func(ex *http11.Exchange) {
		if _, err := Upgrade(ex); err == nil {
			t.Error("expected Upgrade to reject a plain GET")
		} else {
			ex.SetStatus(400, "Bad Request")
		}
	})

	ep := &bufEndpoint{}
	hc, err := http11.NewHttpConnection(ep, &fakeSelector{}, nil, handler, 0, nil)
	if err != nil {
		t.Fatalf("NewHttpConnection: %v", err)
	}

	ep.feed([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	hc.OnFillable()

	if !strings.HasPrefix(ep.outputString(), "HTTP/1.1 400 Bad Request\r\n") {
		t.Fatalf("expected 400 response, got %q", ep.outputString())
	}
}

func TestConnWriteAndReadMessage(t *testing.T) {
	var got *Conn
	handler := http11.HandlerFunc(func(ex *http11.Exchange) {
		c, err := Upgrade(ex)
		if err != nil {
			t.Fatalf("Upgrade: %v", err)
		}
		got = c
	})

	ep := &bufEndpoint{}
	hc, err := http11.NewHttpConnection(ep, &fakeSelector{}, nil, handler, 0, nil)
	if err != nil {
		t.Fatalf("NewHttpConnection: %v", err)
	}
	ep.feed([]byte(handshakeRequest()))
	hc.OnFillable()
	if got == nil {
		t.Fatal("Upgrade did not return a Conn")
	}

	if err := got.WriteMessage(TextMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	out := ep.outputString()
	frameStart := strings.Index(out, "\r\n\r\n") + 4
	frame := []byte(out[frameStart:])
	if frame[0] != finalBit|OpcodeText {
		t.Fatalf("unexpected frame header byte: %08b", frame[0])
	}
	if frame[1] != 5 {
		t.Fatalf("unexpected payload length byte: %d", frame[1])
	}
	if string(frame[2:]) != "hello" {
		t.Fatalf("unexpected payload: %q", frame[2:])
	}

	// Feed a masked client text frame ("hi" with mask key 0x01020304)
	// and confirm ReadMessage unmasks it correctly.
	payload := []byte("hi")
	key := [4]byte{0x01, 0x02, 0x03, 0x04}
	masked := append([]byte(nil), payload...)
	maskBytes(masked, key)

	clientFrame := []byte{finalBit | OpcodeText, maskBit | byte(len(payload))}
	clientFrame = append(clientFrame, key[:]...)
	clientFrame = append(clientFrame, masked...)
	ep.feed(clientFrame)

	opcode, msg, err := got.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if opcode != OpcodeText {
		t.Fatalf("opcode = %d, want OpcodeText", opcode)
	}
	if string(msg) != "hi" {
		t.Fatalf("ReadMessage payload = %q, want %q", msg, "hi")
	}
}

func TestConnReadMessageAnswersPingWithPong(t *testing.T) {
	var got *Conn
	handler := http11.HandlerFunc(func(ex *http11.Exchange) {
		c, _ := Upgrade(ex)
		got = c
	})
	ep := &bufEndpoint{}
	hc, _ := http11.NewHttpConnection(ep, &fakeSelector{}, nil, handler, 0, nil)
	ep.feed([]byte(handshakeRequest()))
	hc.OnFillable()

	pingKey := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	pingPayload := []byte("ping")
	masked := append([]byte(nil), pingPayload...)
	maskBytes(masked, pingKey)
	pingFrame := []byte{finalBit | OpcodePing, maskBit | byte(len(pingPayload))}
	pingFrame = append(pingFrame, pingKey[:]...)
	pingFrame = append(pingFrame, masked...)

	textKey := [4]byte{0x01, 0x01, 0x01, 0x01}
	textPayload := []byte("x")
	maskedText := append([]byte(nil), textPayload...)
	maskBytes(maskedText, textKey)
	textFrame := []byte{finalBit | OpcodeText, maskBit | byte(len(textPayload))}
	textFrame = append(textFrame, textKey[:]...)
	textFrame = append(textFrame, maskedText...)

	ep.feed(append(pingFrame, textFrame...))

	preLen := len(ep.outputString())
	opcode, msg, err := got.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if opcode != OpcodeText || string(msg) != "x" {
		t.Fatalf("ReadMessage = (%d, %q), want (OpcodeText, %q)", opcode, msg, "x")
	}

	out := []byte(ep.outputString())
	pongBytes := out[preLen:]
	if len(pongBytes) < 2 || pongBytes[0] != (finalBit|OpcodePong) {
		t.Fatalf("expected a Pong control frame to be written, got %v", pongBytes)
	}
}
