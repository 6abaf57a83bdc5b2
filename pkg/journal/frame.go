package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// frameHeaderSize is the fixed-size prefix before an entry's payload:
// magic(4) + seq(8) + length(4) + length^(4) + crc(4) + crc^(4).
const frameHeaderSize = 4 + 8 + 4 + 4 + 4 + 4

var frameMagic = [4]byte{'J', 'R', 'N', '1'}

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupt indicates the journal file has a frame boundary that does not
// start with the frame magic. A frame whose length or CRC check fails is
// treated as a torn tail instead and ends replay without an error. Per
// spec.md §7 this maps to a
// fatal Inconsistent condition at the caller (the fs is demoted read-only).
var ErrCorrupt = errors.New("journal: corrupt frame")

// encodeFrame serializes one entry as a self-checking frame:
//
//	magic(4) seq(8) len(4) ^len(4) crc(4) ^crc(4) payload(len)
//
// The inverted length/crc twins let a reader distinguish a torn write
// (partial fsync before a crash) from genuine corruption without needing a
// separate end-of-file marker: a torn frame almost certainly fails the
// inversion check even if, by coincidence, the truncated bytes still pass a
// plain CRC.
func encodeFrame(seq uint64, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))

	copy(buf[0:4], frameMagic[:])
	binary.LittleEndian.PutUint64(buf[4:12], seq)

	length := uint32(len(payload))
	binary.LittleEndian.PutUint32(buf[12:16], length)
	binary.LittleEndian.PutUint32(buf[16:20], ^length)

	crc := crc32.Checksum(payload, crc32c)
	binary.LittleEndian.PutUint32(buf[20:24], crc)
	binary.LittleEndian.PutUint32(buf[24:28], ^crc)

	copy(buf[frameHeaderSize:], payload)

	return buf
}

// decodedFrame is one successfully parsed journal entry.
type decodedFrame struct {
	seq     uint64
	payload []byte
}

// readFrames parses every well-formed frame from r in order, stopping
// cleanly at EOF or at the first frame whose length or CRC check fails
// (which, on an append-only log, is the tail of a crash-truncated write and
// not a reason to fail the whole replay). A frame without the magic
// returns [ErrCorrupt].
func readFrames(r io.Reader) ([]decodedFrame, error) {
	var (
		frames []decodedFrame
		header [frameHeaderSize]byte
	)

	for {
		_, err := io.ReadFull(r, header[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}

			if errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn header at the tail: stop, keep what we have.
				return frames, nil
			}

			return frames, fmt.Errorf("journal: read header: %w", err)
		}

		if [4]byte(header[0:4]) != frameMagic {
			// Not a frame boundary at all; a previously replayed journal
			// should never contain this, so treat it as corruption rather
			// than a torn tail.
			return frames, fmt.Errorf("%w: bad magic", ErrCorrupt)
		}

		seq := binary.LittleEndian.Uint64(header[4:12])
		length := binary.LittleEndian.Uint32(header[12:16])
		lengthInv := binary.LittleEndian.Uint32(header[16:20])

		if ^length != lengthInv {
			// Torn length field: tail of an interrupted append.
			return frames, nil
		}

		crc := binary.LittleEndian.Uint32(header[20:24])
		crcInv := binary.LittleEndian.Uint32(header[24:28])

		if ^crc != crcInv {
			return frames, nil
		}

		payload := make([]byte, length)

		_, err = io.ReadFull(r, payload)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn payload: tail of an interrupted append.
				return frames, nil
			}

			return frames, fmt.Errorf("journal: read payload: %w", err)
		}

		if crc32.Checksum(payload, crc32c) != crc {
			return frames, nil
		}

		frames = append(frames, decodedFrame{seq: seq, payload: payload})
	}
}
