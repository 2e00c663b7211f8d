// Package pool implements the named buffer-slot pooling an
// HttpConnection cycles through per request: requestBuffer (fill),
// responseHeader, chunk, responseBuffer, and content. Each slot has
// its own sync.Pool sized for its role, plus always-on Prometheus
// counters so slot churn is observable the way a production HTTP
// engine's buffer pool would be.
package pool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/valyala/bytebufferpool"
)

// Fixed slot sizes. requestBuffer/responseHeader/responseBuffer share
// DefaultSlotSize since all three hold header-block-scale data;
// chunk is sized exactly for a chunk-size line (see http11.ChunkBufferSize).
const (
	DefaultSlotSize = 4096
	ChunkSlotSize   = 24
)

var (
	slotGets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reactorhttp",
		Subsystem: "buffer_pool",
		Name:      "gets_total",
		Help:      "Buffer slot acquisitions by slot name.",
	}, []string{"slot"})

	slotPuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reactorhttp",
		Subsystem: "buffer_pool",
		Name:      "puts_total",
		Help:      "Buffer slot releases by slot name.",
	}, []string{"slot"})

	slotInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reactorhttp",
		Subsystem: "buffer_pool",
		Name:      "in_use",
		Help:      "Buffer slots currently checked out, by slot name.",
	}, []string{"slot"})
)

// fixedPool is a sync.Pool specialized for a single fixed-capacity
// byte-slice slot, with get/put counters.
type fixedPool struct {
	name string
	size int
	pool sync.Pool
}

func newFixedPool(name string, size int) *fixedPool {
	fp := &fixedPool{name: name, size: size}
	fp.pool.New = func() interface{} {
		buf := make([]byte, 0, size)
		return &buf
	}
	return fp
}

func (fp *fixedPool) get() []byte {
	slotGets.WithLabelValues(fp.name).Inc()
	slotInUse.WithLabelValues(fp.name).Inc()
	bufPtr := fp.pool.Get().(*[]byte)
	return (*bufPtr)[:0]
}

func (fp *fixedPool) put(buf []byte) {
	if buf == nil {
		return
	}
	slotPuts.WithLabelValues(fp.name).Inc()
	slotInUse.WithLabelValues(fp.name).Dec()
	buf = buf[:0]
	fp.pool.Put(&buf)
}

var (
	requestBufferPool = newFixedPool("requestBuffer", DefaultSlotSize)
	headerPool        = newFixedPool("responseHeader", DefaultSlotSize)
	chunkPool         = newFixedPool("chunk", ChunkSlotSize)
	responseBufPool   = newFixedPool("responseBuffer", DefaultSlotSize)

	// content holds handler-supplied bodies whose size varies widely
	// (a streamed file chunk vs. a one-line JSON reply); bytebufferpool
	// buckets by size class internally so large and small bodies don't
	// thrash the same pool entry.
	contentPool bytebufferpool.Pool
)

// GetRequestBuffer returns a zero-length buffer with DefaultSlotSize
// capacity for the connection's fill loop (parsing the request line
// and headers, and non-chunked/non-large body bytes).
func GetRequestBuffer() []byte { return requestBufferPool.get() }

// PutRequestBuffer returns a requestBuffer slot.
func PutRequestBuffer(buf []byte) { requestBufferPool.put(buf) }

// GetHeader returns a zero-length buffer for the generator's status
// line + header block.
func GetHeader() []byte { return headerPool.get() }

// PutHeader returns a responseHeader slot.
func PutHeader(buf []byte) { headerPool.put(buf) }

// GetChunk returns a zero-length buffer sized for a chunk-size line.
func GetChunk() []byte { return chunkPool.get() }

// PutChunk returns a chunk slot.
func PutChunk(buf []byte) { chunkPool.put(buf) }

// GetResponseBuffer returns a zero-length buffer for small,
// non-volatile response bodies the generator copies rather than
// passing through as external content.
func GetResponseBuffer() []byte { return responseBufPool.get() }

// PutResponseBuffer returns a responseBuffer slot.
func PutResponseBuffer(buf []byte) { responseBufPool.put(buf) }

// GetContent returns a buffer with at least sizeHint capacity for a
// handler that wants to build its body in a pooled, appropriately
// sized buffer rather than supply its own externally-owned slice.
func GetContent(sizeHint int) []byte {
	slotGets.WithLabelValues("content").Inc()
	slotInUse.WithLabelValues("content").Inc()
	bb := contentPool.Get()
	if cap(bb.B) < sizeHint {
		bb.B = make([]byte, 0, sizeHint)
	}
	return bb.B[:0]
}

// PutContent returns a content buffer obtained from GetContent. The
// buffer is rewrapped rather than round-tripped through
// bytebufferpool.Get, since GetContent already handed its wrapper's
// backing array to the caller instead of keeping it checked out.
func PutContent(buf []byte) {
	if buf == nil {
		return
	}
	slotPuts.WithLabelValues("content").Inc()
	slotInUse.WithLabelValues("content").Dec()
	contentPool.Put(&bytebufferpool.ByteBuffer{B: buf[:0]})
}
