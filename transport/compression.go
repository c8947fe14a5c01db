package transport

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

const zstdName = "zstd"

// compressionLevel is the config level (1-4) used for new encoders
var compressionLevel atomic.Int32

// zstdCompressor implements gRPC's encoding.Compressor interface using zstd.
// It is always registered so peers that compress can be decoded; senders
// opt in through the messenger configuration.
type zstdCompressor struct {
	encoderPools [5]sync.Pool // indexed by config level
	decoderPool  sync.Pool
}

func init() {
	compressionLevel.Store(1)
	encoding.RegisterCompressor(&zstdCompressor{})
}

// SetCompressionLevel selects the zstd level for outgoing messages. Levels
// outside 1-4 fall back to the fastest one.
func SetCompressionLevel(level int) {
	if level < 1 || level > 4 {
		level = 1
	}
	compressionLevel.Store(int32(level))
}

// Name returns the compressor name
func (c *zstdCompressor) Name() string {
	return zstdName
}

// Compress returns a WriteCloser that compresses data written to it
func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	level := int(compressionLevel.Load())
	pool := &c.encoderPools[level]

	if enc, ok := pool.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return &pooledEncoder{enc: enc, pool: pool}, nil
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(configLevelToZstd(level)), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{enc: enc, pool: pool}, nil
}

// Decompress returns a Reader that decompresses data read from it
func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if dec, ok := c.decoderPool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err != nil {
			c.decoderPool.Put(dec)
			return nil, err
		}
		return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
	}

	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
}

// pooledEncoder returns the encoder to its pool on Close
type pooledEncoder struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (p *pooledEncoder) Write(data []byte) (int, error) {
	return p.enc.Write(data)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.pool.Put(p.enc)
	return err
}

// pooledDecoder returns the decoder to its pool at EOF
type pooledDecoder struct {
	dec  *zstd.Decoder
	pool *sync.Pool
}

func (p *pooledDecoder) Read(data []byte) (int, error) {
	n, err := p.dec.Read(data)
	if err == io.EOF {
		p.pool.Put(p.dec)
	}
	return n, err
}

// configLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
