package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := Request{Op: OpStatus, Args: []byte(`{"agent_id":3}`)}
	require.NoError(t, WriteFrame(&buf, req))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, OpStatus, got.Op)
	assert.JSONEq(t, `{"agent_id":3}`, string(got.Args))
}

func TestFrame_LengthPrefixIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Request{Op: OpPing}))

	raw := buf.Bytes()
	size := binary.BigEndian.Uint32(raw[:4])
	assert.Equal(t, int(size), len(raw)-4)
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])

	var req Request
	err := ReadFrame(&buf, &req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestReadFrame_RejectsInvalidJSON(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("{nope")
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)

	var req Request
	err := ReadFrame(&buf, &req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestResponseHelpers(t *testing.T) {
	resp, err := OKResponse(map[string]int{"agents": 2})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.JSONEq(t, `{"agents":2}`, string(resp.Value))

	errResp := ErrorResponse(assert.AnError)
	assert.False(t, errResp.OK)
	assert.NotEmpty(t, errResp.Error)
}
