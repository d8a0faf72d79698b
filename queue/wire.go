// Package queue implements the reliable request queue: a client half that
// keeps requests in flight across reconnects and a server half that
// deduplicates retried submissions by sequence number (spec.md §4.3).
package queue

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Wire format, all integers big-endian:
//
//	handshake:     [i64 nodeID]
//	request frame: [i32 seqno][i32 len][bytes payload]
//	ack frame:     [i32 seqno][i8 ok?][i32 msgLen][utf8 msg]
const maxFrameLen = 64 << 20

func writeHandshake(w io.Writer, nodeID int64) error {
	return binary.Write(w, binary.BigEndian, nodeID)
}

func readHandshake(r io.Reader) (int64, error) {
	var nodeID int64
	if err := binary.Read(r, binary.BigEndian, &nodeID); err != nil {
		return 0, errors.Wrap(err, "queue: reading handshake")
	}
	return nodeID, nil
}

func writeRequestFrame(w io.Writer, seqno uint32, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, seqno); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readRequestFrame(r io.Reader) (seqno uint32, payload []byte, err error) {
	if err = binary.Read(r, binary.BigEndian, &seqno); err != nil {
		return 0, nil, err
	}
	var n int32
	if err = binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, nil, err
	}
	if n < 0 || n > maxFrameLen {
		return 0, nil, errors.Errorf("queue: request frame length %d out of range", n)
	}
	payload = make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return seqno, payload, nil
}

func writeAckFrame(w io.Writer, seqno uint32, ok bool, msg string) error {
	if err := binary.Write(w, binary.BigEndian, seqno); err != nil {
		return err
	}
	var okByte int8
	if ok {
		okByte = 1
	}
	if err := binary.Write(w, binary.BigEndian, okByte); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(msg))); err != nil {
		return err
	}
	_, err := io.WriteString(w, msg)
	return err
}

func readAckFrame(r io.Reader) (seqno uint32, ok bool, msg string, err error) {
	if err = binary.Read(r, binary.BigEndian, &seqno); err != nil {
		return 0, false, "", err
	}
	var okByte int8
	if err = binary.Read(r, binary.BigEndian, &okByte); err != nil {
		return 0, false, "", err
	}
	var n int32
	if err = binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, false, "", err
	}
	if n < 0 || n > maxFrameLen {
		return 0, false, "", errors.Errorf("queue: ack frame message length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return 0, false, "", err
	}
	return seqno, okByte != 0, string(buf), nil
}
