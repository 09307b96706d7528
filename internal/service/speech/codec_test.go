package speech

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigFrameRoundTrip 首包编解码
func TestConfigFrameRoundTrip(t *testing.T) {
	frame, err := NewConfigFrame([]byte(`{"audio":{"format":"wav"}}`))
	require.NoError(t, err)

	decoded, err := DecodeFrame(bytes.NewReader(frame.Encode()))
	require.NoError(t, err)

	assert.Equal(t, FullClientRequest, decoded.Header.MessageType)
	assert.Equal(t, JSONSerialization, decoded.Header.Serialization)
	assert.False(t, decoded.Last())

	body, err := decoded.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"audio":{"format":"wav"}}`, string(body))
}

// TestLastAudioFrameCarriesNegativeSequence 最后一包使用负序号
func TestLastAudioFrameCarriesNegativeSequence(t *testing.T) {
	frame, err := NewAudioFrame([]byte{1, 2, 3}, 5, true)
	require.NoError(t, err)

	decoded, err := DecodeFrame(bytes.NewReader(frame.Encode()))
	require.NoError(t, err)

	assert.True(t, decoded.Last())
	assert.Equal(t, int32(-5), decoded.Sequence)
	body, err := decoded.Body()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, body)
}

func TestErrorFrameKeepsCode(t *testing.T) {
	frame := &Frame{
		Header:    Header{HeaderSize: 1, MessageType: ErrorMessage},
		ErrorCode: 45000001,
		Payload:   []byte("bad request"),
	}
	decoded, err := DecodeFrame(bytes.NewReader(frame.Encode()))
	require.NoError(t, err)
	assert.Equal(t, uint32(45000001), decoded.ErrorCode)
	assert.Equal(t, "bad request", string(decoded.Payload))
}

func TestDecodeFrameRejectsWrongVersion(t *testing.T) {
	_, err := DecodeFrame(bytes.NewReader([]byte{0x21, 0x10, 0x10, 0x00, 0, 0, 0, 0}))
	assert.Error(t, err)
}

func TestProfileParams(t *testing.T) {
	rate, lang := profileParams("16k_zh")
	assert.Equal(t, 16000, rate)
	assert.Equal(t, "zh-CN", lang)

	rate, lang = profileParams("8k_en")
	assert.Equal(t, 8000, rate)
	assert.Equal(t, "en-US", lang)

	rate, _ = profileParams("")
	assert.Equal(t, 16000, rate)
}
