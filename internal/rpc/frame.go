package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame opcodes.
const (
	opCall   uint32 = 1
	opResult uint32 = 2
	opListen uint32 = 3
	opCancel uint32 = 4
	opEvent  uint32 = 5
	opClose  uint32 = 6
)

// maxFrameSize bounds the payload a peer may announce
const maxFrameSize = 1 << 20

// writeFrame sends a frame: [opcode LE u32][length LE u32][payload].
// Header and payload go out in one write so concurrent writers serialized by
// the caller never interleave partial frames.
func writeFrame(w io.Writer, opcode uint32, payload []byte) error {
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], opcode)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrame reads a frame, allocating a buffer of the exact size declared in
// the header.
func readFrame(r io.Reader) (uint32, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	opcode := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", length, maxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return opcode, payload, nil
}
