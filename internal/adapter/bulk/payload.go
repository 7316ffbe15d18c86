package bulk

import (
	crand "crypto/rand"
	"encoding/binary"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/pkg/pool"
)

// chunkTemplate is one chunk of cryptographically random bytes, generated
// once at startup. Measured downloads XOR it against a per-request nonce;
// random data doesn't compress, and per-connection memory stays at
// O(chunk-size).
var chunkTemplate = func() []byte {
	buf := make([]byte, constants.DownloadChunkSize)
	if _, err := crand.Read(buf); err != nil {
		panic("bulk: unable to seed payload template: " + err.Error())
	}
	return buf
}()

// drainBuffers holds scratch space for the upload drain path.
var drainBuffers, _ = pool.NewLitePool(func() *drainBuffer {
	return &drainBuffer{b: make([]byte, constants.DownloadChunkSize)}
})

type drainBuffer struct {
	b []byte
}

func (d *drainBuffer) Reset() {}

func chunk(n int64) []byte {
	return chunkOf(chunkTemplate, n)
}

func chunkOf(b []byte, n int64) []byte {
	if n >= int64(len(b)) {
		return b
	}
	return b[:n]
}

// chunkBuffers holds per-request payload copies for the measured download
// path, so each stream carries its own scrambled bytes.
var chunkBuffers, _ = pool.NewLitePool(func() *chunkBuffer {
	return &chunkBuffer{b: make([]byte, constants.DownloadChunkSize)}
})

type chunkBuffer struct {
	b []byte
}

func (c *chunkBuffer) Reset() {}

// scrambleInto XORs the template against a request nonce. No two downloads
// emit the same byte stream, which keeps transparent caches and compressors
// out of the measurement.
func scrambleInto(dst []byte, nonce uint64) {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], nonce)
	for i := range dst {
		dst[i] = chunkTemplate[i] ^ key[i&7]
	}
}
