// Copyright (C) 2024 Oblivquery, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package row implements the Row Codec of spec §4.1: the encrypted,
// per-attribute row layout
//
//	(num_cols: u32, [enc_attr_len: u32, enc_attr_bytes[enc_attr_len]] x num_cols)
//
// and the block-oriented RowReader/RowWriter streaming pair that every
// operator in this module consumes and produces. Attribute ciphertext is
// opaque here; decryption is delegated to the Crypto collaborator
// (package crypto).
//
// The block layout is modeled on
// _examples/SnellerInc-sneller/ion/chunker.go's restartable, aligned
// chunk writer: rows are packed back to back until one would overflow
// the configured row_upper_bound, at which point the block is closed and
// a new one starts. Unlike ion's chunker this format has no symbol table
// and no alignment padding -- only the (block_len, num_rows,
// row_upper_bound) header spec §3 calls for.
package row

import (
	"encoding/binary"

	"github.com/oblivquery/kernel/kerr"
)

const (
	numColsSize  = 4
	attrLenSize  = 4
	blockHdrSize = 4 + 4 + 4 // block_len, num_rows, row_upper_bound
)

// NumCols reads the leading column count of an encoded row.
func NumCols(rowBytes []byte) (uint32, error) {
	if len(rowBytes) < numColsSize {
		return 0, kerr.New(kerr.Integrity, "num_cols", "row truncated: %d bytes", len(rowBytes))
	}
	return binary.LittleEndian.Uint32(rowBytes), nil
}

// AttributeAt returns the ciphertext slice for the 1-based attribute idx
// of an encoded row. It fails with a kerr.Usage error if idx is out of
// [1, num_cols].
func AttributeAt(rowBytes []byte, idx uint32) ([]byte, error) {
	numCols, err := NumCols(rowBytes)
	if err != nil {
		return nil, err
	}
	if idx < 1 || idx > numCols {
		return nil, kerr.New(kerr.Usage, "attribute_at", "index %d out of range [1,%d]", idx, numCols)
	}
	rest := rowBytes[numColsSize:]
	for col := uint32(1); ; col++ {
		if len(rest) < attrLenSize {
			return nil, kerr.New(kerr.Integrity, "attribute_at", "row truncated before column %d", col)
		}
		n := binary.LittleEndian.Uint32(rest)
		rest = rest[attrLenSize:]
		if uint64(len(rest)) < uint64(n) {
			return nil, kerr.New(kerr.Integrity, "attribute_at", "row truncated inside column %d", col)
		}
		if col == idx {
			return rest[:n:n], nil
		}
		rest = rest[n:]
	}
}

// RowByteLen returns the number of bytes the one encoded row at the
// start of buf occupies -- its own num_cols header plus every attribute's
// length prefix and body -- without requiring a block wrapper around it.
// Callers that pack a bare encoded row alongside other data (the
// boundary-record wire pair of spec §4.6) use this to find where the row
// ends and the next field begins.
func RowByteLen(buf []byte) (int, error) {
	n, err := NumCols(buf)
	if err != nil {
		return 0, err
	}
	pos := numColsSize
	for col := uint32(0); col < n; col++ {
		if pos+attrLenSize > len(buf) {
			return 0, kerr.New(kerr.Integrity, "row_byte_len", "row truncated before column %d", col+1)
		}
		l := binary.LittleEndian.Uint32(buf[pos : pos+attrLenSize])
		pos += attrLenSize
		if uint64(pos)+uint64(l) > uint64(len(buf)) {
			return 0, kerr.New(kerr.Integrity, "row_byte_len", "row truncated inside column %d", col+1)
		}
		pos += int(l)
	}
	return pos, nil
}

// EncodedAttribute is one (enc_attr_len, enc_attr_bytes) pair as it
// appears on the wire.
type EncodedAttribute = []byte

// Encode assembles an encoded row from its already-encrypted attribute
// ciphertexts, in column order.
func Encode(cols []EncodedAttribute) []byte {
	size := numColsSize
	for _, c := range cols {
		size += attrLenSize + len(c)
	}
	out := make([]byte, 0, size)
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(cols)))
	out = append(out, hdr[:]...)
	for _, c := range cols {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(c)))
		out = append(out, l[:]...)
		out = append(out, c...)
	}
	return out
}

// Writer packs encoded rows into length-prefixed blocks, starting a new
// block whenever the next row would overflow rowUpperBound. It is the
// RowWriter of spec §4.1.
type Writer struct {
	buf           []byte
	rowUpperBound int

	blockOpen    bool
	blockHdrAt   int // offset of the open block's header
	blockBodyLen int
	blockRows    uint32
}

// NewWriter returns a Writer whose blocks hold rows up to rowUpperBound
// bytes each (spec's ROW_UPPER_BOUND, a host-chosen constant).
func NewWriter(rowUpperBound int) *Writer {
	return &Writer{rowUpperBound: rowUpperBound}
}

// BytesWritten returns the number of bytes appended to the writer so
// far, including any block header already emitted for the currently
// open block.
func (w *Writer) BytesWritten() int { return len(w.buf) }

func (w *Writer) openBlock() {
	w.blockHdrAt = len(w.buf)
	w.buf = append(w.buf, make([]byte, blockHdrSize)...)
	w.blockOpen = true
	w.blockBodyLen = 0
	w.blockRows = 0
}

// FinishBlock flushes the current block (patching in its final header)
// and prepares to start a new one on the next WriteRow. It is a no-op if
// no block is open. The Range Partitioner calls this at every partition
// transition so partition starts land on block boundaries (spec §4.4).
func (w *Writer) FinishBlock() {
	if !w.blockOpen {
		return
	}
	h := w.buf[w.blockHdrAt : w.blockHdrAt+blockHdrSize]
	binary.LittleEndian.PutUint32(h[0:4], uint32(w.blockBodyLen))
	binary.LittleEndian.PutUint32(h[4:8], w.blockRows)
	binary.LittleEndian.PutUint32(h[8:12], uint32(w.rowUpperBound))
	w.blockOpen = false
}

// WriteRow appends one already-encoded row, starting a new block first
// if the row would not fit in the current one.
func (w *Writer) WriteRow(encodedRow []byte) error {
	need := 4 + len(encodedRow) // row_len prefix + body
	if need > w.rowUpperBound {
		return kerr.New(kerr.Capacity, "write_row", "row of %d bytes exceeds row_upper_bound %d", len(encodedRow), w.rowUpperBound)
	}
	if w.blockOpen && w.blockBodyLen+need > w.rowUpperBound {
		w.FinishBlock()
	}
	if !w.blockOpen {
		w.openBlock()
	}
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(encodedRow)))
	w.buf = append(w.buf, l[:]...)
	w.buf = append(w.buf, encodedRow...)
	w.blockBodyLen += need
	w.blockRows++
	return nil
}

// Bytes finalizes any open block and returns the accumulated run bytes.
// The returned slice is the run's [start, sentinel) byte range (spec
// §3's "Sorted run").
func (w *Writer) Bytes() []byte {
	w.FinishBlock()
	return w.buf
}

// Reader consumes a run produced by Writer, transparently crossing block
// boundaries. Callers supply exactly the run's [start, sentinel) byte
// range; Reader never reads past the slice it was constructed with.
type Reader struct {
	buf           []byte
	pos           int
	blockBodyEnd  int
	rowsLeftBlock uint32
	rowUpperBound uint32
}

// NewReader returns a Reader over a run's byte range.
func NewReader(run []byte) *Reader {
	return &Reader{buf: run}
}

// RowUpperBound returns the row_upper_bound recorded in the header of
// the block the reader is currently positioned in (or most recently
// read), 0 before the first block header has been read.
func (r *Reader) RowUpperBound() uint32 { return r.rowUpperBound }

func (r *Reader) openBlock() error {
	if r.pos+blockHdrSize > len(r.buf) {
		return kerr.New(kerr.Integrity, "read_row", "truncated block header at offset %d", r.pos)
	}
	h := r.buf[r.pos : r.pos+blockHdrSize]
	blockLen := binary.LittleEndian.Uint32(h[0:4])
	numRows := binary.LittleEndian.Uint32(h[4:8])
	rub := binary.LittleEndian.Uint32(h[8:12])
	r.pos += blockHdrSize
	if uint64(r.pos)+uint64(blockLen) > uint64(len(r.buf)) {
		return kerr.New(kerr.Integrity, "read_row", "block body exceeds run bounds")
	}
	r.blockBodyEnd = r.pos + int(blockLen)
	r.rowsLeftBlock = numRows
	r.rowUpperBound = rub
	return nil
}

// Next returns the next encoded row in the run, or ok == false once the
// run is exhausted.
//
// A freshly written block always has its rows fill exactly blockLen
// bytes (Writer guarantees this), so once rowsLeftBlock reaches zero
// r.pos is already sitting at the next block's header -- no separate
// "skip to blockBodyEnd" step is needed.
func (r *Reader) Next() (encodedRow []byte, ok bool, err error) {
	for r.rowsLeftBlock == 0 {
		if r.pos >= len(r.buf) {
			return nil, false, nil
		}
		if err := r.openBlock(); err != nil {
			return nil, false, err
		}
	}
	if r.pos+4 > r.blockBodyEnd {
		return nil, false, kerr.New(kerr.Integrity, "read_row", "truncated row length prefix")
	}
	n := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	if uint64(r.pos)+uint64(n) > uint64(r.blockBodyEnd) {
		return nil, false, kerr.New(kerr.Integrity, "read_row", "row body exceeds block bounds")
	}
	row := r.buf[r.pos : r.pos+int(n) : r.pos+int(n)]
	r.pos += int(n)
	r.rowsLeftBlock--
	return row, true, nil
}

// ReadAll drains the reader into a slice of encoded rows. Intended for
// small runs (tests, sampling output); the streaming operators use Next
// directly to avoid materializing the whole run.
func ReadAll(run []byte) ([][]byte, error) {
	r := NewReader(run)
	var out [][]byte
	for {
		row, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, row)
	}
}
