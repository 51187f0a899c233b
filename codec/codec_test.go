package codec

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/clawstore/clawstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello clawstore")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameCorruptCRC(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("payload")))
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a byte in the payload

	_, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
	assert.Equal(t, core.KindCorruption, core.ErrKind(err))
}

func TestReadFrameTornTail(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("payload")))
	raw := buf.Bytes()[:buf.Len()-2] // truncate mid-payload

	_, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.Corruption))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var hdr [8]byte
	hdr[0], hdr[1], hdr[2], hdr[3] = 0xFF, 0xFF, 0xFF, 0x7F
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	require.Error(t, err)
	assert.Equal(t, core.KindCorruption, core.ErrKind(err))
}

func TestFrameSize(t *testing.T) {
	assert.Equal(t, int64(8), FrameSize(0))
	assert.Equal(t, int64(18), FrameSize(10))
}
