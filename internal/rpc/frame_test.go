package rpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	payload := `{"id":1,"method":"play"}`
	go func() {
		if err := writeFrame(client, opCall, []byte(payload)); err != nil {
			t.Errorf("writeFrame: %v", err)
		}
	}()

	header := make([]byte, 8)
	if _, err := io.ReadFull(server, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	opcode := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	if opcode != opCall {
		t.Errorf("opcode = %d, want %d", opcode, opCall)
	}
	if int(length) != len(payload) {
		t.Errorf("length = %d, want %d", length, len(payload))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(server, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != payload {
		t.Errorf("body = %q, want %q", body, payload)
	}
}

func TestReadFrameLargePayload(t *testing.T) {
	large := bytes.Repeat([]byte{'x'}, 64*1024)

	var buf bytes.Buffer
	if err := writeFrame(&buf, opEvent, large); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	opcode, payload, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if opcode != opEvent {
		t.Errorf("opcode = %d, want %d", opcode, opEvent)
	}
	if !bytes.Equal(payload, large) {
		t.Errorf("payload length = %d, want %d", len(payload), len(large))
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], opCall)
	binary.LittleEndian.PutUint32(header[4:8], maxFrameSize+1)

	if _, _, err := readFrame(bytes.NewReader(header)); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, opCall, []byte(`{"id":1}`)); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]

	_, _, err := readFrame(bytes.NewReader(truncated))
	if err != io.ErrUnexpectedEOF {
		t.Errorf("err = %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, opClose, nil); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	opcode, payload, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if opcode != opClose || len(payload) != 0 {
		t.Errorf("got opcode %d payload %q", opcode, payload)
	}
}
