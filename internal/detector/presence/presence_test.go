package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaqqye/seb_integrity/internal/telemetry"
)

func solid(w, h int, v byte) telemetry.Frame {
	pix := make([]byte, w*h*3)
	for i := range pix {
		pix[i] = v
	}
	return telemetry.Frame{Width: w, Height: h, Pix: pix}
}

func testConfig() Config {
	return Config{BrightnessThreshold: 40, MotionThreshold: 2, MaxConsecutiveFailures: 3}
}

func TestThreeDarkFramesReportOnce(t *testing.T) {
	d := New(testConfig())
	reports := 0
	for i := 0; i < 3; i++ {
		score, report, err := d.Observe(solid(8, 8, 10))
		require.NoError(t, err)
		assert.Contains(t, score.Reasons, ReasonLowBrightness)
		if report {
			reports++
		}
	}
	assert.Equal(t, 1, reports)
}

func TestPassingFrameResetsFailures(t *testing.T) {
	d := New(testConfig())
	for i := 0; i < 2; i++ {
		_, report, err := d.Observe(solid(8, 8, 10))
		require.NoError(t, err)
		assert.False(t, report)
	}
	score, report, err := d.Observe(solid(8, 8, 200))
	require.NoError(t, err)
	assert.False(t, report)
	assert.False(t, score.Candidate())
	assert.Equal(t, 0, score.ConsecutiveFailures)

	_, report, _ = d.Observe(solid(8, 8, 10))
	assert.False(t, report)
}

func TestStaticBrightFrameFailsMotion(t *testing.T) {
	d := New(testConfig())
	first, _, err := d.Observe(solid(8, 8, 150))
	require.NoError(t, err)
	assert.False(t, first.MotionMeasured)

	second, _, err := d.Observe(solid(8, 8, 150))
	require.NoError(t, err)
	assert.True(t, second.MotionMeasured)
	assert.Equal(t, []string{ReasonNoMotion}, second.Reasons)
}

func TestDimensionChangeSkipsMotion(t *testing.T) {
	d := New(testConfig())
	_, _, _ = d.Observe(solid(8, 8, 150))
	score, _, err := d.Observe(solid(4, 4, 150))
	require.NoError(t, err)
	assert.False(t, score.MotionMeasured)
	assert.False(t, score.Candidate())
}

func TestMotion(t *testing.T) {
	prev := solid(4, 4, 100).Pix
	cur := solid(4, 4, 100).Pix
	// sampled pixels are 0, 4, 8, 12; change one of them
	cur[12], cur[13], cur[14] = 200, 200, 200
	assert.InDelta(t, 25.0, Motion(prev, cur), 1e-9)

	cur[3*3] = 255 // pixel 3 is not sampled
	assert.InDelta(t, 25.0, Motion(prev, cur), 1e-9)
}

func TestMotionUsesFractionalMeanDifference(t *testing.T) {
	prev := solid(4, 4, 100).Pix
	cur := solid(4, 4, 100).Pix
	// mean difference exactly 30 is noise
	cur[0], cur[1], cur[2] = 130, 130, 130
	assert.Zero(t, Motion(prev, cur))

	// mean difference 30.67 is movement
	cur[0], cur[1], cur[2] = 131, 131, 130
	assert.InDelta(t, 25.0, Motion(prev, cur), 1e-9)
}

func TestBrightness(t *testing.T) {
	f := telemetry.Frame{Width: 1, Height: 1, Pix: []byte{30, 60, 90}}
	assert.InDelta(t, 60.0, Brightness(f.Pix), 1e-9)
}

func TestCameraLossFailsClosedWhenRequired(t *testing.T) {
	cfg := testConfig()
	cfg.WebcamRequired = true
	d := New(cfg)
	assert.True(t, d.CameraLost())
	assert.False(t, d.Disabled())
}

func TestCameraLossFailsOpenWhenOptional(t *testing.T) {
	d := New(testConfig())
	assert.False(t, d.CameraLost())
	assert.True(t, d.Disabled())

	_, report, err := d.Observe(solid(8, 8, 0))
	require.NoError(t, err)
	assert.False(t, report)

	d.CameraRestored()
	score, _, err := d.Observe(solid(8, 8, 0))
	require.NoError(t, err)
	assert.True(t, score.Candidate())
}

func TestMalformedFrame(t *testing.T) {
	d := New(testConfig())
	_, _, err := d.Observe(telemetry.Frame{Width: 2, Height: 2, Pix: []byte{1}})
	assert.ErrorIs(t, err, telemetry.ErrMalformedFrame)
}
