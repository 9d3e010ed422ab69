// Package mdf implements the ASAM MDF v4.11 block model and writer of
// §4.7: a uniform {header, link-list, data} block triple written
// address-linked to an io.WriteSeeker, plus the file identification
// block every MDF file opens with.
//
// Grounded on the teacher's internal/cnl.Codec, which writes a fixed
// binary wire layout to an io.Writer with encoding/binary; that pattern
// is generalized here from one frame shape to MDF's block shape, with
// the addition of seek-based forward-reference patching (§4.7 "Forward
// references") since block parents routinely point at children written
// after them.
//
// Per the Non-goals of §1, the writer never finalises a file: the
// "unfinalised" marker set by NewWriter is left in place, and readers
// are expected to tolerate it.
package mdf

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zre-motorsports/cantoolkit/internal/corerr"
)

// Block kind identifiers, per §3 ("8-byte ASCII block id").
const (
	kindHD = "##HD"
	kindFH = "##FH"
	kindMD = "##MD"
	kindTX = "##TX"
	kindDG = "##DG"
	kindCG = "##CG"
	kindCN = "##CN"
	kindCC = "##CC"
	kindSI = "##SI"
	kindDT = "##DT"
)

const headerSize = 24 // id(8) + length(8) + link_count(8)

// Writer emits an append-only stream of 8-byte-aligned MDF blocks,
// following the write protocol of §4.7: pad to an 8-byte boundary,
// record the address, write header+links+data, return the address.
//
// Writer is not safe for concurrent use; callers serialize their own
// writes (the CANBusLog built on top of it takes its own lock).
type Writer struct {
	w   io.WriteSeeker
	pos int64
}

// NewWriter writes the 64-byte file identification block and returns a
// Writer ready to append blocks after it. programID is truncated to 7
// characters and null-terminated, per §6.
func NewWriter(w io.WriteSeeker, programID string) (*Writer, error) {
	mw := &Writer{w: w}
	if err := mw.writeIDBlock(programID); err != nil {
		return nil, err
	}
	return mw, nil
}

// idUnfinalizedFlag marks the file as not rewritten/finalized at the end
// (standard flags bit 0), per §4.7 / §6. The writer never clears it.
const idUnfinalizedFlag = 0x0001

func (mw *Writer) writeIDBlock(programID string) error {
	var buf [64]byte
	copy(buf[0:8], "MDF     ")
	copy(buf[8:16], "4.11    ")

	prog := programID
	if len(prog) > 7 {
		prog = prog[:7]
	}
	copy(buf[16:16+len(prog)], prog)
	// buf[16+len(prog)] stays 0, null-terminating per §6.

	binary.LittleEndian.PutUint16(buf[28:30], 411) // version number * 100
	binary.LittleEndian.PutUint16(buf[60:62], idUnfinalizedFlag)

	n, err := mw.w.Write(buf[:])
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "write MDF id block", err)
	}
	mw.pos += int64(n)
	return nil
}

// padToAlignment writes zero bytes until the stream is 8-byte aligned,
// per §4.7 step 1.
func (mw *Writer) padToAlignment() error {
	rem := mw.pos % 8
	if rem == 0 {
		return nil
	}
	pad := make([]byte, 8-rem)
	n, err := mw.w.Write(pad)
	mw.pos += int64(n)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "pad MDF stream to alignment", err)
	}
	return nil
}

// WriteBlock pads to an 8-byte boundary, writes a block with the given
// kind, links and data, and returns its address, per §4.7 steps 1-4.
func (mw *Writer) WriteBlock(kind string, links []uint64, data []byte) (int64, error) {
	if err := mw.padToAlignment(); err != nil {
		return 0, err
	}
	addr := mw.pos

	length := uint64(headerSize + 8*len(links) + len(data))
	var hdr [headerSize]byte
	copy(hdr[0:8], kind)
	binary.LittleEndian.PutUint64(hdr[8:16], length)
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(len(links)))

	if err := mw.writeRaw(hdr[:]); err != nil {
		return 0, err
	}

	linkBuf := make([]byte, 8*len(links))
	for i, l := range links {
		binary.LittleEndian.PutUint64(linkBuf[i*8:i*8+8], l)
	}
	if err := mw.writeRaw(linkBuf); err != nil {
		return 0, err
	}
	if err := mw.writeRaw(data); err != nil {
		return 0, err
	}
	return addr, nil
}

// WriteBlockProvisional writes a block whose link list is all-zero,
// for a parent whose children are not yet written, per §4.7 "Forward
// references". The caller later calls PatchLinks with the same address
// once the children's addresses are known.
func (mw *Writer) WriteBlockProvisional(kind string, numLinks int, data []byte) (int64, error) {
	return mw.WriteBlock(kind, make([]uint64, numLinks), data)
}

// PatchLinks seeks back to addr's link list and rewrites it in place,
// then seeks forward again to resume appending at the stream's current
// end, per §4.7 step (c). The data section is never rewritten.
func (mw *Writer) PatchLinks(addr int64, links []uint64) error {
	linkAddr := addr + headerSize
	if _, err := mw.w.Seek(linkAddr, io.SeekStart); err != nil {
		return corerr.Wrap(corerr.KindIO, "seek to patch MDF links", err)
	}
	buf := make([]byte, 8*len(links))
	for i, l := range links {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], l)
	}
	if _, err := mw.w.Write(buf); err != nil {
		return corerr.Wrap(corerr.KindIO, "write patched MDF links", err)
	}
	if _, err := mw.w.Seek(mw.pos, io.SeekStart); err != nil {
		return corerr.Wrap(corerr.KindIO, "seek back to MDF stream end", err)
	}
	return nil
}

// Addr returns the current end-of-stream position, i.e. the address the
// next WriteBlock call will use (after alignment padding).
func (mw *Writer) Addr() int64 { return mw.pos }

func (mw *Writer) writeRaw(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	n, err := mw.w.Write(b)
	mw.pos += int64(n)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, fmt.Sprintf("write %d MDF block bytes", len(b)), err)
	}
	return nil
}
