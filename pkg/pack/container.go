package pack

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

var magic = []byte("PDPK1\n")

// ErrCorrupted is wrapped around any structural problem in pack bytes:
// bad magic, a record frame that does not match its advertised length, or
// a payload that fails to decompress.
var ErrCorrupted = errors.New("corrupted pack data")

// Writer accumulates a pack blob in memory. Records are xz-compressed and
// framed with their compressed length; the blob's digest is maintained
// incrementally so the pack's final name is known as soon as the last
// record lands.
type Writer struct {
	buf  bytes.Buffer
	hash hash.Hash
	out  io.Writer
}

// NewWriter returns a Writer with the container header already written.
func NewWriter() *Writer {
	w := &Writer{hash: sha256.New()}
	w.out = io.MultiWriter(&w.buf, w.hash)
	w.out.Write(magic)
	return w
}

// Add appends one record and returns the (offset, length) span that a
// content index value must record to retrieve it later.
func (w *Writer) Add(content []byte) (offset, length int64, err error) {
	offset = int64(w.buf.Len())
	var payload bytes.Buffer
	xw, err := xz.NewWriter(&payload)
	if err != nil {
		return 0, 0, errors.Wrap(err, "pack: compress record")
	}
	if _, err := xw.Write(content); err != nil {
		return 0, 0, errors.Wrap(err, "pack: compress record")
	}
	if err := xw.Close(); err != nil {
		return 0, 0, errors.Wrap(err, "pack: compress record")
	}
	var frame [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(frame[:], uint64(payload.Len()))
	if _, err := w.out.Write(frame[:n]); err != nil {
		return 0, 0, err
	}
	if _, err := w.out.Write(payload.Bytes()); err != nil {
		return 0, 0, err
	}
	return offset, int64(w.buf.Len()) - offset, nil
}

// Size returns the current blob size in bytes.
func (w *Writer) Size() int64 { return int64(w.buf.Len()) }

// Name returns the pack name for the bytes written so far.
func (w *Writer) Name() string {
	return hex.EncodeToString(w.hash.Sum(nil))
}

// Bytes returns the accumulated blob. The slice aliases the writer's
// buffer and must not be modified.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// NameOf computes the pack name of a complete blob.
func NameOf(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// CheckMagic verifies the container header of a blob.
func CheckMagic(blob []byte) error {
	if !bytes.HasPrefix(blob, magic) {
		return errors.Wrap(ErrCorrupted, "bad container magic")
	}
	return nil
}

// ReadRecord extracts and decompresses the record at the given span of a
// complete pack blob.
func ReadRecord(blob []byte, offset, length int64) ([]byte, error) {
	if offset < int64(len(magic)) || length <= 0 || offset+length > int64(len(blob)) {
		return nil, errors.Wrapf(ErrCorrupted, "record span %d+%d outside pack of %d bytes", offset, length, len(blob))
	}
	frame := blob[offset : offset+length]
	payloadLen, n := binary.Uvarint(frame)
	if n <= 0 || int64(n)+int64(payloadLen) != length {
		return nil, errors.Wrapf(ErrCorrupted, "record frame at %d does not match span of %d bytes", offset, length)
	}
	xr, err := xz.NewReader(bytes.NewReader(frame[n:]))
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "record at %d: %v", offset, err)
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(xr); err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "record at %d: %v", offset, err)
	}
	return out.Bytes(), nil
}
