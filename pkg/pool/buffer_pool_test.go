package pool

import "testing"

func TestRequestBufferRoundTrip(t *testing.T) {
	buf := GetRequestBuffer()
	if len(buf) != 0 {
		t.Fatalf("GetRequestBuffer: len = %d, want 0", len(buf))
	}
	if cap(buf) < DefaultSlotSize {
		t.Fatalf("GetRequestBuffer: cap = %d, want >= %d", cap(buf), DefaultSlotSize)
	}
	buf = append(buf, "GET / HTTP/1.1\r\n\r\n"...)
	PutRequestBuffer(buf)

	again := GetRequestBuffer()
	if len(again) != 0 {
		t.Fatalf("reused buffer should come back zero-length, got len = %d", len(again))
	}
}

func TestHeaderAndResponseBufferAreDistinctSlots(t *testing.T) {
	h := GetHeader()
	r := GetResponseBuffer()
	h = append(h, "HTTP/1.1 200 OK\r\n\r\n"...)
	r = append(r, "hello"...)

	if &h[0] == &r[0] {
		t.Fatal("header and responseBuffer slots should not alias the same backing array")
	}
	PutHeader(h)
	PutResponseBuffer(r)
}

func TestChunkBufferSizedForSizeLine(t *testing.T) {
	c := GetChunk()
	if cap(c) < ChunkSlotSize {
		t.Fatalf("GetChunk: cap = %d, want >= %d", cap(c), ChunkSlotSize)
	}
	PutChunk(c)
}

func TestContentBufferHonorsSizeHint(t *testing.T) {
	c := GetContent(10_000)
	if cap(c) < 10_000 {
		t.Fatalf("GetContent(10000): cap = %d, want >= 10000", cap(c))
	}
	PutContent(c)
}

func TestPutNilBuffersAreNoOps(t *testing.T) {
	PutRequestBuffer(nil)
	PutHeader(nil)
	PutChunk(nil)
	PutResponseBuffer(nil)
	PutContent(nil)
}
