package overlay

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// maxFrameSize bounds a single wire frame. It must fit a DHT put of a
// record at maxRecordValueSize (100 MiB), whose value travels
// base64-encoded inside JSON and so grows by about a third.
const maxFrameSize = 160 << 20

// wireKind tags the frames that cross a peer connection: gossip, DHT put,
// DHT get and DHT get-reply. wireDHTPutAck is declared but never sent
// (Put does not wait for acknowledgements), and handleFrame logs it as
// an unknown kind. Envelope gossip and DHT traffic share one framed
// stream per connection (spec.md §4.4 overlay behaviour).
type wireKind byte

const (
	wireGossip wireKind = iota
	wireDHTPut
	wireDHTPutAck
	wireDHTGet
	wireDHTGetReply
)

// frame is one length-prefixed unit on the wire: a kind byte followed by
// a varint-length body. The varint length prefix is encoded with
// protowire rather than a fixed-width integer so the overlay's wire
// format is, in spirit, a protobuf byte-length-delimited field without
// requiring generated message types.
type frame struct {
	kind wireKind
	body []byte
}

func writeFrame(w io.Writer, f frame) error {
	buf := make([]byte, 0, 1+10+len(f.body))
	buf = append(buf, byte(f.kind))
	buf = protowire.AppendVarint(buf, uint64(len(f.body)))
	buf = append(buf, f.body...)
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("overlay: write frame: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) (frame, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return frame{}, err
	}

	length, err := readVarint(r)
	if err != nil {
		return frame{}, fmt.Errorf("overlay: read frame length: %w", err)
	}
	if length > maxFrameSize {
		return frame{}, fmt.Errorf("overlay: frame of %d bytes exceeds max %d", length, maxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, fmt.Errorf("overlay: read frame body: %w", err)
	}
	return frame{kind: wireKind(kindByte), body: body}, nil
}

// readVarint reads a protowire varint one byte at a time from r. protowire
// itself only decodes from an in-memory []byte, so bytes are buffered
// locally as they're pulled off the stream until ConsumeVarint is happy.
func readVarint(r *bufio.Reader) (uint64, error) {
	var buf []byte
	for i := 0; i < maxVarintLen64; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, b)
		if b&0x80 == 0 {
			// high bit clear: this was the varint's last byte
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, fmt.Errorf("overlay: malformed varint")
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("overlay: varint too long")
}

// maxVarintLen64 mirrors encoding/binary.MaxVarintLen64 without importing
// the package solely for one constant.
const maxVarintLen64 = 10
