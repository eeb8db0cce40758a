package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSample(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"TELEMETRY_SAMPLE","payload":{
		"keystrokes":[{"key":"a","at":"2026-01-01T09:00:00Z"}],
		"frame":{"width":1,"height":1,"pix":"AQID"}}}`))
	require.NoError(t, err)

	s, ok := msg.(Sample)
	require.True(t, ok)
	assert.Equal(t, MsgTelemetrySample, s.Type())
	assert.Len(t, s.Keystrokes, 1)
	assert.Equal(t, []byte{1, 2, 3}, s.Frame.Pix)
}

func TestDecodeRejectsMalformedFrame(t *testing.T) {
	_, err := Decode([]byte(`{"type":"TELEMETRY_SAMPLE","payload":{"frame":{"width":2,"height":2,"pix":"AQID"}}}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeCameraState(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"CAMERA_STATE","payload":{"available":false,"reason":"permission_revoked"}}`))
	require.NoError(t, err)
	assert.Equal(t, CameraState{Available: false, Reason: "permission_revoked"}, msg)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"SHUTDOWN"}`))
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	data, err := Encode("STATUS_UPDATE", map[string]int{"violation_count": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"STATUS_UPDATE","payload":{"violation_count":2}}`, string(data))
}
