package overlay

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	cases := []frame{
		{kind: wireGossip, body: []byte("hello")},
		{kind: wireDHTPut, body: []byte{}},
		{kind: wireDHTGetReply, body: bytes.Repeat([]byte{0xAB}, 5000)},
	}

	var buf bytes.Buffer
	for _, f := range cases {
		require.NoError(t, writeFrame(&buf, f))
	}

	r := bufio.NewReader(&buf)
	for _, want := range cases {
		got, err := readFrame(r)
		require.NoError(t, err)
		require.Equal(t, want.kind, got.kind)
		require.Equal(t, want.body, got.body)
	}
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	// Craft a frame header that declares an over-limit length without
	// actually allocating that many body bytes; readFrame must reject
	// before attempting to read the body.
	var buf bytes.Buffer
	buf.WriteByte(byte(wireGossip))
	buf.Write(protowire.AppendVarint(nil, uint64(maxFrameSize+1)))

	r := bufio.NewReader(&buf)
	_, err := readFrame(r)
	require.Error(t, err)
}
