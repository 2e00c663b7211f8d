package http11

import (
	"strconv"
)

// GeneratorAction is a step request the connection feeds to the
// generator's state machine.
type GeneratorAction int

const (
	// ActionPrepare primes the generator for a response whose body
	// will arrive across one or more subsequent calls.
	ActionPrepare GeneratorAction = iota
	// ActionFlush supplies another slice of body content without
	// ending the response.
	ActionFlush
	// ActionComplete supplies the final slice of body content (which
	// may be empty) and ends the response.
	ActionComplete
)

// GeneratorResult is what the generator's state machine asks the
// connection to do next.
type GeneratorResult int

const (
	// ResultNeedHeader: acquire a header buffer from the pool and call
	// generate again with the same action.
	ResultNeedHeader GeneratorResult = iota
	// ResultNeedBuffer: acquire a body buffer from the pool.
	ResultNeedBuffer
	// ResultNeedChunk: release any header slot and acquire a chunk
	// buffer sized by ChunkBufferSize.
	ResultNeedChunk
	// ResultFlush: flush header/chunk/responseBuffer per the bitmask.
	ResultFlush
	// ResultFlushContent: flush header/chunk/content per the bitmask;
	// volatile content must complete synchronously.
	ResultFlushContent
	// ResultShutdownOut: half-close the endpoint's output.
	ResultShutdownOut
	// ResultOK: no side effect, nothing further to do this call.
	ResultOK
)

// ChunkBufferSize is the fixed size of buffers acquired in response to
// ResultNeedChunk — large enough for "\r\n" + 8 hex digits + "\r\n".
const ChunkBufferSize = 24

// ResponseInfo is the minimal response-header descriptor the
// HttpChannel collaborator hands the generator: status, reason,
// whether the request was HEAD (body must be suppressed), and the
// known content length (-1 if unknown, which selects chunked framing
// for persistent HTTP/1.1 responses).
type ResponseInfo struct {
	StatusCode    int
	Reason        string
	Head          bool
	ContentLength int64
	// Close forces a non-persistent connection regardless of the
	// negotiated content-length framing (e.g. the request asked for
	// Connection: close, or sendError is finalizing a fatal error).
	Close bool
	// ExtraHeaders are appended verbatim after the mandatory framing
	// headers (Content-Length/Transfer-Encoding/Connection).
	ExtraHeaders []HeaderField
}

// HeaderField is a single name/value pair emitted after the status
// line, in insertion order.
type HeaderField struct {
	Name  []byte
	Value []byte
}

type generatorState int

const (
	genIdle generatorState = iota
	genStart
	genActive
	genCompleting
	genEnd
)

// Generator implements the header/chunk/body state machine spec.md
// §4.4 describes: a sequence of generate() calls, each returning one
// of the vocabulary results above, until the response reaches OK.
//
// A Generator instance is reused across requests on the same
// connection via Reset.
type Generator struct {
	state generatorState

	persistent  bool
	chunked     bool
	headOnly    bool
	clRemaining int64 // remaining declared content-length bytes, -1 if chunked

	chunkStarted bool // whether a prior chunk has been written (controls the leading CRLF)
}

// NewGenerator returns a generator in the idle state.
func NewGenerator() *Generator {
	return &Generator{state: genIdle}
}

// Reset returns the generator to idle for the next request on a
// keep-alive connection.
func (g *Generator) Reset() {
	g.state = genIdle
	g.persistent = false
	g.chunked = false
	g.headOnly = false
	g.clRemaining = 0
	g.chunkStarted = false
}

// IsIdle reports whether the generator has not yet been primed for a
// response (safe to Reset/discard without losing in-flight state).
func (g *Generator) IsIdle() bool { return g.state == genIdle }

// IsPersistent reports whether the connection should be kept open
// after the current response completes. Only meaningful once the
// generator has left genIdle.
func (g *Generator) IsPersistent() bool { return g.persistent }

// suppressesBody reports whether, per RFC 7230 §3.3, a body must not
// be sent for this response regardless of what the handler provides.
func suppressesBody(info *ResponseInfo) bool {
	if info.Head {
		return true
	}
	switch info.StatusCode {
	case 204, 304:
		return true
	}
	return info.StatusCode >= 100 && info.StatusCode < 200
}

// Generate feeds one step to the state machine. header, chunk, and
// responseBuffer are pointers to the connection's pooled buffer
// slots — nil (*slot == nil) means "not currently held"; the
// generator writes into an already-acquired slot by reslicing
// *slot = append(*slot, ...). content is the externally supplied body
// slice for this call, or nil/empty if none is available yet.
//
// Returns the result the connection must act on next, and the number
// of bytes of content this call consumed (always len(content) or 0,
// since this generator never partially accepts a content call — the
// connection is expected to flush before supplying more).
func (g *Generator) Generate(info *ResponseInfo, header, chunk, responseBuffer *[]byte, content []byte, volatileContent bool, action GeneratorAction) (GeneratorResult, int, error) {
	switch g.state {
	case genEnd:
		return ResultOK, 0, ErrGenerateAfterComplete
	case genIdle, genStart:
		return g.generateHeader(info, header, content, action)
	case genActive, genCompleting:
		return g.generateBody(header, chunk, responseBuffer, content, volatileContent, action)
	default:
		return ResultOK, 0, ErrIllegalGeneratorState
	}
}

func (g *Generator) generateHeader(info *ResponseInfo, header *[]byte, content []byte, action GeneratorAction) (GeneratorResult, int, error) {
	if header == nil || *header == nil {
		g.state = genStart
		return ResultNeedHeader, 0, nil
	}

	g.headOnly = suppressesBody(info)
	g.persistent = !info.Close

	bodyKnownEmpty := action == ActionComplete && len(content) == 0
	useChunked := !g.headOnly && !bodyKnownEmpty && info.ContentLength < 0

	g.chunked = useChunked
	if useChunked {
		g.clRemaining = -1
	} else {
		g.clRemaining = info.ContentLength
	}

	*header = appendStatusLine(*header, info.StatusCode, info.Reason)
	if g.headOnly || bodyKnownEmpty {
		*header = appendHeaderLine(*header, headerContentLength, []byte("0"))
	} else if useChunked {
		*header = appendHeaderLine(*header, headerTransferEncoding, headerChunked)
	} else if info.ContentLength >= 0 {
		*header = appendHeaderLine(*header, headerContentLength, []byte(strconv.FormatInt(info.ContentLength, 10)))
	}
	if !g.persistent {
		*header = appendHeaderLine(*header, headerConnection, headerClose)
	}
	for _, f := range info.ExtraHeaders {
		*header = appendHeaderLine(*header, f.Name, f.Value)
	}
	*header = append(*header, crlfBytes...)

	g.state = genActive
	if action == ActionComplete && len(content) == 0 {
		g.state = genCompleting
		return ResultFlush, 0, nil
	}
	return ResultFlush, 0, nil
}

func (g *Generator) generateBody(header, chunk, responseBuffer *[]byte, content []byte, volatileContent bool, action GeneratorAction) (GeneratorResult, int, error) {
	if g.headOnly {
		if action != ActionComplete {
			return ResultOK, 0, nil
		}
		g.state = genEnd
		if !g.persistent {
			return ResultShutdownOut, 0, nil
		}
		return ResultOK, 0, nil
	}

	if g.chunked {
		return g.generateChunkedBody(chunk, responseBuffer, content, volatileContent, action)
	}

	if len(content) > 0 {
		// A small, non-volatile slice is copied into the owned
		// responseBuffer slot (table row 2: body only) so the
		// connection doesn't have to synchronously drain it; a
		// volatile or oversized slice is passed through as external
		// content instead (FLUSH_CONTENT), which forces a synchronous
		// flush for the volatile case per spec.md §4.4/§8 property 8.
		if !volatileContent && len(content) <= DefaultBufferSize {
			if responseBuffer == nil || *responseBuffer == nil {
				return ResultNeedBuffer, 0, nil
			}
			*responseBuffer = append((*responseBuffer)[:0], content...)
			g.clRemaining -= int64(len(content))
			if action == ActionComplete {
				g.state = genEnd
			}
			return ResultFlush, len(content), nil
		}

		g.clRemaining -= int64(len(content))
		if action == ActionComplete {
			g.state = genEnd
		}
		return ResultFlushContent, len(content), nil
	}

	if action == ActionComplete {
		g.state = genEnd
		if !g.persistent {
			return ResultShutdownOut, 0, nil
		}
		return ResultOK, 0, nil
	}
	return ResultOK, 0, nil
}

func (g *Generator) generateChunkedBody(chunk, responseBuffer *[]byte, content []byte, volatileContent bool, action GeneratorAction) (GeneratorResult, int, error) {
	if len(content) > 0 {
		if chunk == nil || *chunk == nil {
			return ResultNeedChunk, 0, nil
		}

		if !volatileContent && len(content) <= DefaultBufferSize {
			if responseBuffer == nil || *responseBuffer == nil {
				return ResultNeedBuffer, 0, nil
			}
			*chunk = appendChunkHeader(*chunk, len(content), g.chunkStarted)
			*responseBuffer = append((*responseBuffer)[:0], content...)
			g.chunkStarted = true
			if action == ActionComplete {
				g.state = genCompleting
			}
			return ResultFlush, len(content), nil
		}

		*chunk = appendChunkHeader(*chunk, len(content), g.chunkStarted)
		g.chunkStarted = true
		consumed := len(content)
		if action == ActionComplete {
			g.state = genCompleting
		}
		return ResultFlushContent, consumed, nil
	}

	if action == ActionComplete {
		if chunk == nil || *chunk == nil {
			return ResultNeedChunk, 0, nil
		}
		*chunk = appendChunkTerminator(*chunk, g.chunkStarted)
		g.state = genEnd
		if !g.persistent {
			return ResultFlush, 0, nil
		}
		return ResultFlush, 0, nil
	}

	return ResultOK, 0, nil
}

func appendStatusLine(buf []byte, status int, reason string) []byte {
	if reason == "" {
		return append(buf, getStatusLine(status)...)
	}
	buf = append(buf, []byte("HTTP/1.1 "+strconv.Itoa(status)+" "+reason)...)
	return append(buf, crlfBytes...)
}

func appendHeaderLine(buf []byte, name, value []byte) []byte {
	buf = append(buf, name...)
	buf = append(buf, colonSpace...)
	buf = append(buf, value...)
	return append(buf, crlfBytes...)
}

// appendChunkHeader writes the chunk-size line for a chunk of the
// given length. A leading CRLF terminates the previous chunk's data
// (started tracks whether there was a previous chunk), folding the
// trailing CRLF of chunk N into the size line of chunk N+1 so a
// {chunk, content} gather-write never needs a third buffer for the
// trailer.
func appendChunkHeader(buf []byte, length int, started bool) []byte {
	if started {
		buf = append(buf, crlfBytes...)
	}
	buf = append(buf, []byte(strconv.FormatInt(int64(length), 16))...)
	return append(buf, crlfBytes...)
}

// appendChunkTerminator writes the terminating "0\r\n\r\n", prefixed
// by a trailing CRLF if a previous chunk's data needs closing first.
func appendChunkTerminator(buf []byte, started bool) []byte {
	if started {
		buf = append(buf, crlfBytes...)
	}
	return append(buf, []byte("0\r\n\r\n")...)
}
