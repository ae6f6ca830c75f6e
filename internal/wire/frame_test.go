package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFrameProducesLengthPrefix(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer

	req.NoError(WriteFrame(&buf, []byte("hi")))
	req.Equal([]byte{0x00, 0x00, 0x00, 0x02, 'h', 'i'}, buf.Bytes())
}

func TestReadFrameFromFixedBytes(t *testing.T) {
	req := require.New(t)
	stream := bytes.NewReader([]byte{
		0x00, 0x00, 0x00, 0x03, 'a', 'b', 'c',
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x01, 'z',
	})

	first, err := ReadFrame(stream, 0)
	req.NoError(err)
	req.Equal("abc", string(first))

	empty, err := ReadFrame(stream, 0)
	req.NoError(err)
	req.Empty(empty)

	last, err := ReadFrame(stream, 0)
	req.NoError(err)
	req.Equal("z", string(last))

	_, err = ReadFrame(stream, 0)
	req.ErrorIs(err, io.EOF)
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	stream := bytes.NewReader([]byte{0x00, 0x00, 0x01, 0x00})

	_, err := ReadFrame(stream, 16)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	req := require.New(t)

	_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x00}), 0)
	req.ErrorIs(err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'}), 0)
	req.ErrorIs(err, io.ErrUnexpectedEOF)
}

func TestFramesSurviveSplitReads(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	req.NoError(WriteFrame(&buf, []byte("first")))
	req.NoError(WriteFrame(&buf, []byte("second")))

	r := &oneByteReader{data: buf.Bytes()}
	a, err := ReadFrame(r, 0)
	req.NoError(err)
	b, err := ReadFrame(r, 0)
	req.NoError(err)
	req.Equal("first", string(a))
	req.Equal("second", string(b))
}

// oneByteReader hands out a single byte per Read, like a slow socket.
type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}
