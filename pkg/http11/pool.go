package http11

import "sync"

// Pool sizes and configurations
const (
	// DefaultBufferSize is the default size for pooled body/response
	// buffers handed out by pkg/pool's buffer pool.
	DefaultBufferSize = 4096

	// ParserBufferSize is the ceiling on a single request's header
	// block (request line + headers), matching MaxRequestLineSize +
	// MaxHeadersSize.
	ParserBufferSize = MaxRequestLineSize + MaxHeadersSize
)

// Global pools for reusable objects. Buffer slot pooling (header,
// chunk, responseBuffer, content) lives in pkg/pool, scoped to the
// connection's buffer-slot discipline rather than here; this package
// only pools the two objects every request/response cycle allocates
// regardless of buffer-slot state.
var (
	requestPool = sync.Pool{
		New: func() interface{} {
			return &Request{}
		},
	}

	parserPool = sync.Pool{
		New: func() interface{} {
			return NewParser()
		},
	}
)

// GetRequest retrieves a Request from the pool, reset and ready for
// use. The caller must call PutRequest once the request (and its
// zero-copy slices into the connection's header buffer) is no longer
// needed.
//
// Allocation behavior: 0 allocs/op (reuses pooled object)
func GetRequest() *Request {
	req := requestPool.Get().(*Request)
	req.Reset()
	return req
}

// PutRequest returns a Request to the pool. Safe to call with nil.
// After calling PutRequest the Request must not be used again.
//
// Allocation behavior: 0 allocs/op
func PutRequest(req *Request) {
	if req == nil {
		return
	}
	req.Reset()
	requestPool.Put(req)
}

// GetParser retrieves a Parser from the pool. PutParser clears the
// parser's in-progress and non-persistent flags, so a pooled parser is
// handed out in the same state NewParser gives.
//
// Allocation behavior: 0 allocs/op
func GetParser() *Parser {
	return parserPool.Get().(*Parser)
}

// PutParser returns a Parser to the pool. Safe to call with nil.
func PutParser(p *Parser) {
	if p == nil {
		return
	}
	p.inProgress = false
	p.nonPersistent = false
	parserPool.Put(p)
}
