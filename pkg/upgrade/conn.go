package upgrade

import (
	"encoding/binary"
	"io"
	"sync"

	gorilla "github.com/gorilla/websocket"

	"github.com/yourusername/reactorhttp/pkg/conn"
	"github.com/yourusername/reactorhttp/pkg/endpoint"
)

// Message type constants, re-exported from gorilla/websocket so code
// built on this package shares the same vocabulary a gorilla/websocket
// peer would use. Only these standalone constants and the close-code
// helpers below are borrowed from gorilla — its Upgrader/Dialer/Conn
// types assume they own the http.Hijacker handshake themselves, which
// would conflict with Upgrade already finishing the 101 response
// through http11.Exchange.
const (
	TextMessage   = gorilla.TextMessage
	BinaryMessage = gorilla.BinaryMessage
	CloseMessage  = gorilla.CloseMessage
	PingMessage   = gorilla.PingMessage
	PongMessage   = gorilla.PongMessage
)

// FormatCloseMessage builds a Close control frame payload carrying the
// given close code and reason text.
func FormatCloseMessage(code int, text string) []byte {
	return gorilla.FormatCloseMessage(code, text)
}

// Conn is a WebSocket connection obtained by hijacking an HTTP/1.1
// exchange after a successful Upgrade. Reads and writes block the
// calling goroutine via conn.SelectableConnection's BlockReadable/
// BlockWriteable rather than the selector goroutine, the same pattern
// http11.HttpConnection's body reader uses for request bodies: this
// runs on the handler's own call stack, so blocking here is safe.
type Conn struct {
	ep endpoint.SelectableEndpoint
	sc *conn.SelectableConnection

	readMu  sync.Mutex
	fillBuf []byte
	readPos int
	filled  int

	writeMu sync.Mutex
}

func newConn(ep endpoint.SelectableEndpoint, sc *conn.SelectableConnection) *Conn {
	return &Conn{ep: ep, sc: sc, fillBuf: make([]byte, 4096)}
}

// Endpoint returns the underlying connection, for callers that need
// addresses or idle-timeout control.
func (c *Conn) Endpoint() endpoint.SelectableEndpoint { return c.ep }

// Close sends a best-effort Close control frame and tears down the
// connection.
func (c *Conn) Close(code int, reason string) error {
	_ = c.WriteMessage(CloseMessage, FormatCloseMessage(code, reason))
	return c.sc.Close()
}

// WriteMessage sends one complete, unfragmented data frame (messageType
// is TextMessage or BinaryMessage) or control frame.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(byte(messageType), data)
}

// ReadMessage blocks until a complete message arrives, reassembling
// continuation frames and answering Ping frames with Pong
// transparently. It returns ErrConnClosed once a Close frame (from the
// peer or in response to ours) has been processed.
func (c *Conn) ReadMessage() (int, []byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var assembled []byte
	for {
		f, err := c.readFrame()
		if err != nil {
			return 0, nil, err
		}

		switch f.opcode {
		case OpcodePing:
			if err := c.writeControl(OpcodePong, f.payload); err != nil {
				return 0, nil, err
			}
			continue
		case OpcodePong:
			continue
		case OpcodeClose:
			c.writeControl(OpcodeClose, f.payload)
			return 0, nil, ErrConnClosed
		}

		assembled = append(assembled, f.payload...)
		if f.fin {
			return int(f.opcode), assembled, nil
		}
	}
}

func (c *Conn) writeControl(opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(opcode, payload)
}

func (c *Conn) writeFrameLocked(opcode byte, payload []byte) error {
	var hdr [maxFrameHeaderSize]byte
	hdr[0] = finalBit | opcode

	n := len(payload)
	headerSize := 2
	switch {
	case n <= 125:
		hdr[1] = byte(n)
	case n <= 0xFFFF:
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:4], uint16(n))
		headerSize = 4
	default:
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:10], uint64(n))
		headerSize = 10
	}

	bufs := [][]byte{hdr[:headerSize]}
	if len(payload) > 0 {
		bufs = append(bufs, payload)
	}
	return c.flush(bufs)
}

func (c *Conn) flush(bufs [][]byte) error {
	for len(bufs) > 0 {
		n, err := c.ep.Flush(bufs...)
		if err != nil {
			return err
		}
		bufs = trimFlushed(bufs, n)
		if len(bufs) == 0 {
			return nil
		}
		if err := c.sc.BlockWriteable(); err != nil {
			return err
		}
	}
	return nil
}

func trimFlushed(bufs [][]byte, n int) [][]byte {
	for n > 0 && len(bufs) > 0 {
		if n >= len(bufs[0]) {
			n -= len(bufs[0])
			bufs = bufs[1:]
		} else {
			bufs[0] = bufs[0][n:]
			n = 0
		}
	}
	return bufs
}

func (c *Conn) readFrame() (*frame, error) {
	hdr, err := c.readExactly(2)
	if err != nil {
		return nil, err
	}

	f := &frame{
		fin:    hdr[0]&finalBit != 0,
		opcode: hdr[0] & opcodeMask,
	}
	if hdr[0]&(rsv1Bit|rsv2Bit|rsv3Bit) != 0 {
		return nil, ErrReservedBitsSet
	}
	if f.opcode > 0xA || (f.opcode > OpcodeBinary && f.opcode < OpcodeClose) {
		return nil, ErrInvalidOpcode
	}

	f.masked = hdr[1]&maskBit != 0
	payloadLen := uint64(hdr[1] & lengthMask)

	if f.isControl() {
		if !f.fin {
			return nil, ErrFragmentedControl
		}
		if payloadLen > maxControlFramePayload {
			return nil, ErrInvalidControlFrame
		}
	}

	switch payloadLen {
	case 126:
		ext, err := c.readExactly(2)
		if err != nil {
			return nil, err
		}
		f.length = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext, err := c.readExactly(8)
		if err != nil {
			return nil, err
		}
		f.length = binary.BigEndian.Uint64(ext)
		if f.length&(1<<63) != 0 {
			return nil, ErrFrameTooLarge
		}
	default:
		f.length = payloadLen
	}

	if f.masked {
		key, err := c.readExactly(4)
		if err != nil {
			return nil, err
		}
		copy(f.maskKey[:], key)
	}

	if f.length > 0 {
		payload, err := c.readExactly(int(f.length))
		if err != nil {
			return nil, err
		}
		f.payload = append([]byte(nil), payload...)
		if f.masked {
			maskBytes(f.payload, f.maskKey)
		}
	}

	return f, nil
}

// readExactly blocks until n bytes are available in the fill buffer,
// compacting and growing it as needed, and returns a slice pointing
// directly into that buffer (valid only until the next readExactly
// call). Mirrors http11.HttpConnection's header-fill loop: the
// endpoint is non-blocking, so a fill that makes no progress parks on
// BlockReadable rather than busy-retrying.
func (c *Conn) readExactly(n int) ([]byte, error) {
	for c.filled-c.readPos < n {
		if c.readPos > 0 {
			copy(c.fillBuf, c.fillBuf[c.readPos:c.filled])
			c.filled -= c.readPos
			c.readPos = 0
		}
		if len(c.fillBuf)-c.filled < n {
			grown := make([]byte, (c.filled+n)*2)
			copy(grown, c.fillBuf[:c.filled])
			c.fillBuf = grown
		}

		got, err := c.ep.Fill(c.fillBuf, c.filled)
		if err != nil {
			return nil, err
		}
		if got == -1 {
			return nil, io.EOF
		}
		if got == c.filled {
			if err := c.sc.BlockReadable(c); err != nil {
				return nil, err
			}
			continue
		}
		c.filled = got
	}
	out := c.fillBuf[c.readPos : c.readPos+n]
	c.readPos += n
	return out, nil
}
