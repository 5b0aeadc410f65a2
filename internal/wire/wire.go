// Package wire implements the Message Codec (spec §4.1, §6): a
// self-delimiting, versioned binary envelope and the content digest used
// for recipient-side dedup. The source NodeID is encoded inside the
// payload and is therefore part of the digest: a forwarder relays a
// message unchanged, so a forwarded copy digests the same as the
// original, while identical content from two different sources digests
// differently. No routing metadata sits outside the digested payload.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/nebula-fl/corenode/pkg/model"
)

// CurrentVersion is the envelope schema version this build writes.
const CurrentVersion uint16 = 1

var (
	// ErrMalformedFrame is returned when the length prefix or structure
	// of a frame can't be parsed.
	ErrMalformedFrame = errors.New("wire: malformed frame")
	// ErrUnknownCategory is returned for a category byte outside the
	// known range.
	ErrUnknownCategory = errors.New("wire: unknown category")
	// ErrUnknownAction is returned for an action byte beyond the last
	// known action; one range is shared by all categories.
	ErrUnknownAction = errors.New("wire: unknown action")
	// ErrVersionMismatch is returned when a frame's version is newer
	// than CurrentVersion.
	ErrVersionMismatch = errors.New("wire: version mismatch")

	maxFrameLen uint32 = 64 << 20 // 64MiB, generous for model blobs
)

// compressThreshold is the minimum parameter blob size worth paying
// zstd's framing overhead for.
const compressThreshold = 512

var encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var decoder, _ = zstd.NewReader(nil)

// Encode serializes a Message into a length-prefixed, versioned frame:
// uint32 length | uint16 version | payload. Length counts only the
// payload (version excluded), matching spec §6.
func Encode(m model.Message) ([]byte, error) {
	payload, err := encodePayload(m, true)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 4+2+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint16(buf[4:6], CurrentVersion)
	copy(buf[6:], payload)
	return buf, nil
}

// Decode parses a single frame (as produced by Encode) back into a
// Message. The caller is responsible for sourcing exactly one frame's
// worth of bytes, e.g. via ReadFrame.
func Decode(frame []byte) (model.Message, error) {
	if len(frame) < 6 {
		return model.Message{}, ErrMalformedFrame
	}
	length := binary.BigEndian.Uint32(frame[0:4])
	version := binary.BigEndian.Uint16(frame[4:6])
	if version > CurrentVersion {
		return model.Message{}, ErrVersionMismatch
	}
	payload := frame[6:]
	if uint32(len(payload)) != length {
		return model.Message{}, ErrMalformedFrame
	}
	return decodePayload(payload)
}

// ReadFrame reads one length-prefixed frame from r, returning the full
// frame bytes (including the length+version header) ready for Decode.
// It enforces maxFrameLen to bound memory use against a hostile peer.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length > maxFrameLen {
		return nil, ErrMalformedFrame
	}
	buf := make([]byte, 6+length)
	copy(buf, header[:])
	if _, err := io.ReadFull(r, buf[6:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes a pre-encoded frame to w.
func WriteFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}

// Digest computes the dedup digest over the whole payload, source
// included, with params always taken uncompressed (spec §4.1: "making a
// forwarded message deduplicable end-to-end"). A forwarded copy, relayed
// unchanged, digests identically to the original.
func Digest(m model.Message) ([32]byte, error) {
	payload, err := encodeDigestable(m)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(payload), nil
}

// --- payload framing -------------------------------------------------
//
// Field layout (all big-endian, strings length-prefixed with uint16):
//   source_len(2) source
//   category(1) action(1)
//   round(4, int32)
//   weight(8, float64 bits)
//   latency(8, float64 bits)
//   lat(8) lon(8)
//   args_count(2) [arg_len(2) arg]...
//   params_len(4) params (optionally zstd-compressed, flag byte precedes)

func encodePayload(m model.Message, compress bool) ([]byte, error) {
	if m.Category > model.CategoryReputation {
		return nil, ErrUnknownCategory
	}
	var buf bytes.Buffer
	writeString(&buf, string(m.Source))
	buf.WriteByte(byte(m.Category))
	buf.WriteByte(byte(m.Action))
	writeInt32(&buf, m.Round)
	writeFloat64(&buf, m.Weight)
	writeFloat64(&buf, m.Latency)
	writeFloat64(&buf, m.Lat)
	writeFloat64(&buf, m.Lon)

	if len(m.Args) > 0xFFFF {
		return nil, ErrMalformedFrame
	}
	writeUint16(&buf, uint16(len(m.Args)))
	for _, a := range m.Args {
		writeString(&buf, a)
	}

	params := m.Params
	compressed := byte(0)
	if compress && len(params) >= compressThreshold {
		params = encoder.EncodeAll(params, nil)
		compressed = 1
	}
	buf.WriteByte(compressed)
	writeUint32(&buf, uint32(len(params)))
	buf.Write(params)

	return buf.Bytes(), nil
}

// encodeDigestable is encodePayload without the compression flag byte
// variance: the digest must be stable regardless of whether this
// particular hop chose to compress, so it always digests the
// decompressed params.
func encodeDigestable(m model.Message) ([]byte, error) {
	plain := m
	plain.Params = append([]byte(nil), m.Params...)
	return encodePayload(plain, false)
}

func decodePayload(b []byte) (model.Message, error) {
	r := bytes.NewReader(b)
	var m model.Message

	src, err := readString(r)
	if err != nil {
		return m, ErrMalformedFrame
	}
	m.Source = model.NodeID(src)

	catB, err := r.ReadByte()
	if err != nil {
		return m, ErrMalformedFrame
	}
	if model.Category(catB) > model.CategoryReputation {
		return m, ErrUnknownCategory
	}
	m.Category = model.Category(catB)

	actB, err := r.ReadByte()
	if err != nil {
		return m, ErrMalformedFrame
	}
	if actB > byte(model.ActionFeedback) {
		return m, ErrUnknownAction
	}
	m.Action = model.Action(actB)

	if m.Round, err = readInt32(r); err != nil {
		return m, ErrMalformedFrame
	}
	if m.Weight, err = readFloat64(r); err != nil {
		return m, ErrMalformedFrame
	}
	if m.Latency, err = readFloat64(r); err != nil {
		return m, ErrMalformedFrame
	}
	if m.Lat, err = readFloat64(r); err != nil {
		return m, ErrMalformedFrame
	}
	if m.Lon, err = readFloat64(r); err != nil {
		return m, ErrMalformedFrame
	}

	argCount, err := readUint16(r)
	if err != nil {
		return m, ErrMalformedFrame
	}
	m.Args = make([]string, 0, argCount)
	for i := 0; i < int(argCount); i++ {
		a, err := readString(r)
		if err != nil {
			return m, ErrMalformedFrame
		}
		m.Args = append(m.Args, a)
	}

	compressed, err := r.ReadByte()
	if err != nil {
		return m, ErrMalformedFrame
	}
	paramsLen, err := readUint32(r)
	if err != nil {
		return m, ErrMalformedFrame
	}
	params := make([]byte, paramsLen)
	if _, err := io.ReadFull(r, params); err != nil {
		return m, ErrMalformedFrame
	}
	if compressed == 1 {
		params, err = decoder.DecodeAll(params, nil)
		if err != nil {
			return m, fmt.Errorf("%w: zstd decode: %v", ErrMalformedFrame, err)
		}
	}
	if len(params) > 0 {
		m.Params = params
	}

	return m, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) { writeUint32(buf, uint32(v)) }

func writeFloat64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readFloat64(r *bytes.Reader) (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b[:])), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
