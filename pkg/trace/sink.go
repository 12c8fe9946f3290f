package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrInvalidBatch   = errors.New("invalid trace batch")
	ErrChecksumFailed = errors.New("trace batch checksum mismatch")
)

// Batch framing: [magic(4)] [original_size(4)] [checksum(4)] [comp_size(4)]
// followed by comp_size bytes of lz4 block data. A comp_size equal to
// original_size marks an incompressible batch stored raw.
var batchMagic = [4]byte{'W', 'R', 'T', 'B'}

const batchHeaderSize = 16

// Sink writes compressed event batches to an underlying writer.
type Sink struct {
	w io.Writer
}

// NewSink creates a sink over w.
func NewSink(w io.Writer) *Sink { return &Sink{w: w} }

// WriteBatch encodes events with msgpack, compresses the encoding with lz4
// block mode, and writes one framed batch.
func (s *Sink) WriteBatch(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	raw, err := msgpack.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, compressed, nil)
	if err != nil {
		return fmt.Errorf("compress batch: %w", err)
	}
	payload := compressed[:n]
	if n == 0 || n >= len(raw) {
		// Incompressible; store raw.
		payload = raw
	}

	header := make([]byte, batchHeaderSize)
	copy(header[0:4], batchMagic[:])
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(raw)))
	binary.LittleEndian.PutUint32(header[8:12], crc32.ChecksumIEEE(raw))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := s.w.Write(header); err != nil {
		return err
	}
	_, err = s.w.Write(payload)
	return err
}

// ReadBatch reads one framed batch from r and decodes its events. It returns
// io.EOF when the reader is exhausted.
func ReadBatch(r io.Reader) ([]Event, error) {
	header := make([]byte, batchHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrInvalidBatch
		}
		return nil, err
	}
	if [4]byte(header[0:4]) != batchMagic {
		return nil, ErrInvalidBatch
	}
	origSize := binary.LittleEndian.Uint32(header[4:8])
	checksum := binary.LittleEndian.Uint32(header[8:12])
	compSize := binary.LittleEndian.Uint32(header[12:16])

	payload := make([]byte, compSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrInvalidBatch
	}

	raw := payload
	if compSize != origSize {
		raw = make([]byte, origSize)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("decompress batch: %w", err)
		}
		raw = raw[:n]
	}
	if crc32.ChecksumIEEE(raw) != checksum {
		return nil, ErrChecksumFailed
	}

	var events []Event
	if err := msgpack.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return events, nil
}
