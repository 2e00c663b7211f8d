package http11

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/yourusername/reactorhttp/pkg/conn"
	"github.com/yourusername/reactorhttp/pkg/endpoint"
	"github.com/yourusername/reactorhttp/pkg/pool"
)

// connAttrKey is the Request attribute a Handler can read to reach the
// raw connection directly (the protocol-switch path: a websocket
// upgrade handler calls Exchange.Hijack instead, but middleware that
// only needs to inspect the connection — e.g. for metrics — can use
// this without threading an Exchange through).
const connAttrKey = "reactorhttp.connection"

// Handler processes one request/response exchange on a connection.
// Implementations must not retain req, ex, or req's zero-copy slices
// past ServeHTTP returning: the connection recycles the request (and
// the buffer it points into) once the response has been generated.
type Handler interface {
	ServeHTTP(ex *Exchange)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ex *Exchange)

// ServeHTTP calls f(ex).
func (f HandlerFunc) ServeHTTP(ex *Exchange) { f(ex) }

// HttpConnection drives the incremental parser and the Generator state
// machine off a single conn.SelectableConnection. On every fillable
// event it feeds newly read bytes to the Parser until a request's
// header block is complete, hands the request to the Handler through
// an Exchange, then drains the Generator's header/body output back
// through the endpoint before resetting for the next request (or
// closing, or handing off to a protocol upgrade).
type HttpConnection struct {
	sc      *conn.SelectableConnection
	handler Handler
	logger  *slog.Logger

	parser    *Parser
	generator *Generator

	requestBuf []byte // requestBuffer slot, full capacity; valid data is [0:filled]
	readPos    int     // next unconsumed byte
	filled     int     // end of valid data

	headerBuf   []byte // responseHeader slot
	chunkBuf    []byte // chunk slot
	responseBuf []byte // responseBuffer slot

	req *Request

	maxRequests int
	reqCount    int

	hijacked bool
}

// NewHttpConnection wires ep to handler through a fresh
// conn.SelectableConnection, registering with sel as part of this
// call. maxRequests caps requests served on one connection before it
// is closed for a fresh accept (0 means unlimited).
func NewHttpConnection(ep endpoint.SelectableEndpoint, sel endpoint.Selector, executor conn.Executor, handler Handler, maxRequests int, logger *slog.Logger) (*HttpConnection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hc := &HttpConnection{
		handler:     handler,
		logger:      logger,
		parser:      NewParser(),
		generator:   NewGenerator(),
		maxRequests: maxRequests,
	}
	sc, err := conn.NewSelectableConnection(ep, sel, executor, hc, logger)
	if err != nil {
		return nil, err
	}
	hc.sc = sc
	return hc, nil
}

// Endpoint returns the underlying selectable endpoint.
func (hc *HttpConnection) Endpoint() endpoint.SelectableEndpoint { return hc.sc.Endpoint() }

// OnFillable implements conn.Handler. It is invoked on a readiness
// event (possibly off the selector goroutine, via the Executor) and
// drives processInput until the buffer runs dry or the connection
// closes/hands off.
func (hc *HttpConnection) OnFillable() {
	if hc.hijacked {
		return
	}
	if err := hc.processInput(); err != nil {
		hc.logger.Debug("closing connection after input error", "err", err)
		hc.sc.Close()
	}
}

// OnIdleExpired implements conn.Handler. A connection with no request
// in flight (the only case this fires — a request actively reading or
// writing is always parked in blockReadable/blockWriteable, which
// races its own idle deadline independently) is simply closed.
func (hc *HttpConnection) OnIdleExpired() bool { return true }

// OnClose implements conn.Handler. It runs once SelectableConnection's
// endpoint has closed, releasing whatever buffer slots and pooled
// request this connection still holds regardless of which path
// triggered the close. finalizeRequest and sendProtocolError already
// release what they know about before closing; this is the backstop
// for the paths that close abruptly (a dispatch error, hijack refusal,
// idle expiry) without going through either of them, and is itself
// idempotent so it never double-frees a slot already returned.
func (hc *HttpConnection) OnClose() {
	hc.releaseResponseSlots()
	if hc.requestBuf != nil {
		pool.PutRequestBuffer(hc.requestBuf[:0])
		hc.requestBuf = nil
	}
	if hc.req != nil {
		PutRequest(hc.req)
		hc.req = nil
	}
}

// onInputShutdown implements the peer-half-close policy: if nothing is
// in flight — no partial message buffered and no response being
// generated — the connection is genuinely idle and is closed outright.
// Otherwise the current message can never complete (no more bytes will
// ever arrive), so the connection is left open and the parser is
// marked non-persistent: the next ParseNext call on the same buffered
// bytes surfaces ErrUnexpectedEOF instead of asking for more data, and
// the connection is torn down from sendProtocolError like any other
// parse failure.
func (hc *HttpConnection) onInputShutdown() {
	if hc.generator.IsIdle() && hc.parser.IsIdle() {
		hc.sc.Close()
		return
	}
	hc.parser.MarkNonPersistent()
}

// processInput parses as many complete requests as the currently
// buffered bytes allow, dispatching each to the Handler and draining
// its response before moving to the next. It returns when the buffer
// is exhausted (waiting for the next OnFillable), the connection
// closes, or a protocol error forces termination.
func (hc *HttpConnection) processInput() error {
	for {
		if hc.requestBuf == nil {
			raw := pool.GetRequestBuffer()
			hc.requestBuf = raw[:cap(raw)]
			hc.readPos, hc.filled = 0, 0
		}

		consumed, req, event, err := hc.parser.ParseNext(hc.requestBuf[hc.readPos:hc.filled])
		if err != nil {
			return hc.sendProtocolError(err)
		}
		if event == NeedMoreData {
			got, ferr := hc.fillHeaderBytes()
			if ferr != nil {
				if errors.Is(ferr, io.EOF) {
					hc.onInputShutdown()
					return nil
				}
				return ferr
			}
			if !got {
				return nil
			}
			continue
		}

		hc.readPos += consumed
		hc.req = req
		hc.req.RemoteAddr = addrString(hc.sc.Endpoint().RemoteAddr())
		hc.attachBody()
		hc.req.SetAttr(connAttrKey, hc.sc)

		hc.sc.Endpoint().SetCheckForIdle(false)
		ex := &Exchange{hc: hc, req: hc.req, info: ResponseInfo{Close: hc.req.Close}}
		dispatchErr := hc.dispatchHandler(ex)
		hc.sc.Endpoint().SetCheckForIdle(true)

		if hc.hijacked {
			return nil
		}
		if dispatchErr != nil {
			hc.sc.Close()
			return nil
		}

		closeAfter := hc.req.Close || !hc.generator.IsPersistent()
		hc.finalizeRequest()

		if closeAfter {
			hc.sc.Close()
			return nil
		}
		hc.reqCount++
		if hc.maxRequests > 0 && hc.reqCount >= hc.maxRequests {
			hc.sc.Close()
			return nil
		}
	}
}

// dispatchHandler runs the handler and, unless it hijacked the
// connection for a protocol upgrade, ensures the response reaches its
// terminal state even if the handler never explicitly finished it.
func (hc *HttpConnection) dispatchHandler(ex *Exchange) error {
	hc.handler.ServeHTTP(ex)
	if hc.hijacked {
		return nil
	}
	return ex.finish()
}

// fillHeaderBytes performs one non-blocking fill attempt into
// requestBuf, compacting or rejecting an oversized header block as
// needed. It reports whether new bytes arrived; false with a nil error
// means nothing was available this call and the caller should return
// to wait for the next readiness event rather than spin.
func (hc *HttpConnection) fillHeaderBytes() (bool, error) {
	if hc.readPos > 0 && hc.readPos == hc.filled {
		hc.readPos, hc.filled = 0, 0
	}
	if hc.filled == len(hc.requestBuf) {
		if hc.readPos == 0 {
			return false, ErrHeadersTooLarge
		}
		copy(hc.requestBuf, hc.requestBuf[hc.readPos:hc.filled])
		hc.filled -= hc.readPos
		hc.readPos = 0
	}

	n, err := hc.sc.Endpoint().Fill(hc.requestBuf, hc.filled)
	if err != nil {
		return false, err
	}
	if n == -1 {
		return false, io.EOF
	}
	grew := n > hc.filled
	hc.filled = n
	return grew, nil
}

// attachBody wires req.Body to read directly off the connection's
// fill buffer (and further Fill calls), since no io.Reader can be
// non-blocking over a selector-driven endpoint — reads beyond the
// header block block the calling goroutine via BlockReadable rather
// than the selector's own dispatch path.
func (hc *HttpConnection) attachBody() {
	switch {
	case hc.req.IsChunked():
		hc.req.Body = NewChunkedReader(&connBodyReader{hc: hc})
	case hc.req.ContentLength > 0:
		hc.req.Body = io.LimitReader(&connBodyReader{hc: hc}, hc.req.ContentLength)
	default:
		hc.req.Body = nil
	}
}

// connBodyReader adapts HttpConnection's fill buffer to io.Reader for
// body bytes, blocking the calling goroutine (via SelectableConnection
// .BlockReadable) when the buffer is exhausted rather than returning
// to the selector — body reads run on the handler's own call stack,
// not the selector goroutine, so blocking here is safe.
type connBodyReader struct {
	hc *HttpConnection
}

func (cr *connBodyReader) Read(p []byte) (int, error) {
	hc := cr.hc
	for hc.readPos >= hc.filled {
		if hc.readPos == hc.filled {
			hc.readPos, hc.filled = 0, 0
		}
		if err := hc.sc.BlockReadable(hc.req); err != nil {
			if errors.Is(err, conn.ErrIdleTimeout) {
				return 0, ErrTimeout
			}
			return 0, ErrConnectionClosed
		}
		n, err := hc.sc.Endpoint().Fill(hc.requestBuf, hc.filled)
		if err != nil {
			return 0, err
		}
		if n == -1 {
			return 0, io.EOF
		}
		hc.filled = n
	}
	n := copy(p, hc.requestBuf[hc.readPos:hc.filled])
	hc.readPos += n
	return n, nil
}

// finalizeRequest discards any body bytes the handler never read (so
// the next request line starts on a clean boundary), releases the
// response's buffer slots, resets the parser/generator, and returns
// the request to its pool.
func (hc *HttpConnection) finalizeRequest() {
	if hc.req.Body != nil {
		io.Copy(io.Discard, hc.req.Body)
	}
	hc.releaseResponseSlots()
	hc.generator.Reset()

	if hc.readPos == hc.filled {
		pool.PutRequestBuffer(hc.requestBuf[:0])
		hc.requestBuf = nil
		hc.readPos, hc.filled = 0, 0
	}

	PutRequest(hc.req)
	hc.req = nil
}

// sendProtocolError reports a parse/framing failure to the client with
// an appropriate status line, then closes the connection — a
// malformed request can't be trusted to resynchronize on a future
// request boundary.
func (hc *HttpConnection) sendProtocolError(err error) error {
	status, reason := 400, "Bad Request"
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		status, reason = pe.StatusCode, pe.Reason
	case errors.Is(err, ErrRequestLineTooLarge), errors.Is(err, ErrURITooLong), errors.Is(err, ErrHeadersTooLarge):
		status, reason = 431, "Request Header Fields Too Large"
	}

	info := &ResponseInfo{
		StatusCode:   status,
		Reason:       reason,
		Close:        true,
		ExtraHeaders: []HeaderField{{Name: headerContentType, Value: contentTypePlain}},
	}
	body := pool.GetContent(len(reason))
	body = append(body, reason...)
	if genErr := hc.generateStep(info, body, true, ActionComplete); genErr != nil {
		hc.logger.Debug("failed to flush protocol error response", "err", genErr)
	}
	pool.PutContent(body)
	hc.releaseResponseSlots()
	hc.generator.Reset()
	hc.sc.Close()
	return nil
}

// generateStep feeds one action to the Generator and drives whatever
// side effects it asks for (acquiring buffer slots, flushing them
// through the endpoint, blocking for write-readiness on backpressure)
// until the generator reaches a quiescent result for this call.
func (hc *HttpConnection) generateStep(info *ResponseInfo, content []byte, volatile bool, action GeneratorAction) error {
	for {
		result, consumed, err := hc.generator.Generate(info, &hc.headerBuf, &hc.chunkBuf, &hc.responseBuf, content, volatile, action)
		if err != nil {
			return err
		}

		switch result {
		case ResultNeedHeader:
			hc.headerBuf = pool.GetHeader()
		case ResultNeedChunk:
			hc.chunkBuf = pool.GetChunk()
		case ResultNeedBuffer:
			hc.responseBuf = pool.GetResponseBuffer()
		case ResultFlush:
			if err := hc.flushSlots(nil); err != nil {
				return err
			}
			content = content[consumed:]
			if len(content) == 0 {
				return nil
			}
		case ResultFlushContent:
			if err := hc.flushSlots(content[:consumed]); err != nil {
				return err
			}
			content = content[consumed:]
			if len(content) == 0 {
				return nil
			}
		case ResultShutdownOut:
			hc.sc.Endpoint().ShutdownOutput()
			return nil
		case ResultOK:
			return nil
		default:
			return ErrIllegalGeneratorState
		}
	}
}

// flushSlots gathers whichever of header/chunk/responseBuffer are
// currently non-empty plus the externally supplied content slice into
// a single endpoint.Flush call, retrying through BlockWriteable on a
// partial write, then returns fully-drained slots to their pools
// (header, since it's only ever written once per response) or resets
// them to zero length for reuse (chunk, responseBuffer).
func (hc *HttpConnection) flushSlots(content []byte) error {
	var bufs [][]byte
	if len(hc.headerBuf) > 0 {
		bufs = append(bufs, hc.headerBuf)
	}
	if len(hc.chunkBuf) > 0 {
		bufs = append(bufs, hc.chunkBuf)
	}
	if len(hc.responseBuf) > 0 {
		bufs = append(bufs, hc.responseBuf)
	}
	if len(content) > 0 {
		bufs = append(bufs, content)
	}
	if len(bufs) == 0 {
		return nil
	}

	for {
		n, err := hc.sc.Endpoint().Flush(bufs...)
		if err != nil {
			return err
		}
		bufs = trimWritten(bufs, n)
		if len(bufs) == 0 {
			break
		}
		if err := hc.sc.BlockWriteable(); err != nil {
			return err
		}
	}

	if hc.headerBuf != nil {
		pool.PutHeader(hc.headerBuf)
		hc.headerBuf = nil
	}
	if hc.chunkBuf != nil {
		hc.chunkBuf = hc.chunkBuf[:0]
	}
	if hc.responseBuf != nil {
		hc.responseBuf = hc.responseBuf[:0]
	}
	return nil
}

// releaseResponseSlots returns every still-held buffer slot to its
// pool once a response (successful or an error response) is fully
// done with.
func (hc *HttpConnection) releaseResponseSlots() {
	if hc.headerBuf != nil {
		pool.PutHeader(hc.headerBuf)
		hc.headerBuf = nil
	}
	if hc.chunkBuf != nil {
		pool.PutChunk(hc.chunkBuf)
		hc.chunkBuf = nil
	}
	if hc.responseBuf != nil {
		pool.PutResponseBuffer(hc.responseBuf)
		hc.responseBuf = nil
	}
}

// trimWritten drops fully written buffers from the front of bufs and
// slices the first partially written one, mirroring the iovec-trimming
// the Linux selectable endpoint does for a partial Writev.
func trimWritten(bufs [][]byte, n int) [][]byte {
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

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Exchange is the per-request handle a Handler uses to inspect the
// request and build the response. It is only valid for the duration
// of the ServeHTTP call it was passed to.
type Exchange struct {
	hc   *HttpConnection
	req  *Request
	info ResponseInfo
	done bool
}

// Request returns the request being handled.
func (ex *Exchange) Request() *Request { return ex.req }

// SetStatus sets the response status line. Calling this after the
// first Write is a no-op — headers are already committed by then.
func (ex *Exchange) SetStatus(code int, reason string) {
	ex.info.StatusCode = code
	ex.info.Reason = reason
}

// SetHeader appends a response header, sent in the order added, after
// the framing headers (Content-Length/Transfer-Encoding/Connection)
// the generator computes itself.
func (ex *Exchange) SetHeader(name, value string) {
	ex.info.ExtraHeaders = append(ex.info.ExtraHeaders, HeaderField{Name: []byte(name), Value: []byte(value)})
}

// SetContentLength declares the response body length up front,
// selecting fixed Content-Length framing instead of chunked. Left at
// its zero value (0), Write treats the length as unknown (-1) and the
// connection chunks the response as it's written; an explicit 0 is
// treated the same way once Write is called.
func (ex *Exchange) SetContentLength(n int64) { ex.info.ContentLength = n }

// CloseAfterResponse forces the connection to close once this
// response completes, regardless of keep-alive negotiation.
func (ex *Exchange) CloseAfterResponse() { ex.info.Close = true }

// Write sends a slice of body content. p is treated as volatile (the
// caller may reuse or discard it the instant Write returns), which
// forces a synchronous flush rather than letting the generator copy
// it into a pooled buffer for a later flush.
func (ex *Exchange) Write(p []byte) (int, error) {
	if ex.done {
		return 0, ErrResponseCommitted
	}
	if ex.info.StatusCode == 0 {
		ex.info.StatusCode = 200
	}
	if ex.info.ContentLength == 0 {
		ex.info.ContentLength = -1
	}
	if err := ex.hc.generateStep(&ex.info, p, true, ActionFlush); err != nil {
		return 0, err
	}
	return len(p), nil
}

// finish completes the response, generating an empty final body chunk
// if none is pending. Safe to call more than once.
func (ex *Exchange) finish() error {
	if ex.done {
		return nil
	}
	ex.done = true
	if ex.info.StatusCode == 0 {
		ex.info.StatusCode = 200
	}
	return ex.hc.generateStep(&ex.info, nil, false, ActionComplete)
}

// Hijack finalizes the current response (typically a 101 Switching
// Protocols) and detaches the connection from further HTTP/1.1
// request processing, returning the raw endpoint and
// SelectableConnection for a protocol upgrade handler (see
// pkg/upgrade) to take over.
func (ex *Exchange) Hijack() (endpoint.SelectableEndpoint, *conn.SelectableConnection, error) {
	if err := ex.finish(); err != nil {
		return nil, nil, err
	}
	ex.hc.hijacked = true
	return ex.hc.Endpoint(), ex.hc.sc, nil
}
