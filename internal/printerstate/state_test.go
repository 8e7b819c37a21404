package printerstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnUpdateMergesPartials(t *testing.T) {
	s := New()
	s.OnUpdate(map[string]any{"gcode_state": "RUNNING", "mc_percent": float64(10)})
	s.OnUpdate(map[string]any{"layer_num": float64(5)})

	pct, ok := s.McPercent()
	require.True(t, ok)
	assert.Equal(t, float64(10), pct)

	layer, ok := s.LayerNum()
	require.True(t, ok)
	assert.Equal(t, 5, layer)

	assert.Equal(t, GcodeRunning, s.GcodeStateValue())
}

func TestOnUpdateKeepsUntouchedFields(t *testing.T) {
	s := New()
	s.OnUpdate(map[string]any{"subtask_name": "cube.3mf", "project_id": "p1"})
	s.OnUpdate(map[string]any{"mc_percent": float64(50)})

	cookie, ok := s.GetPrintCookie()
	require.True(t, ok)
	assert.Equal(t, "p1-cube", cookie)
}

func TestRtspURLAbsentVsEmpty(t *testing.T) {
	s := New()
	_, ok := s.RtspURL()
	assert.False(t, ok)

	s.OnUpdate(map[string]any{"ipcam": map[string]any{"rtsp_url": ""}})
	url, ok := s.RtspURL()
	require.True(t, ok)
	assert.Equal(t, "", url)
}

func TestGetPrinterErrorClassification(t *testing.T) {
	cases := []struct {
		code int64
		want PrinterError
	}{
		{0, ErrorNone},
		{117473297, ErrorFilamentRunOut},
		{117539089, ErrorFilamentRunOut},
		{117604881, ErrorFilamentRunOut},
		{117670673, ErrorFilamentRunOut},
		{134184977, ErrorFilamentRunOut},
		{83918896, ErrorNone},
		{50364434, ErrorNone},
		{83935249, ErrorNone},
		{134184967, ErrorNone},
		{99999999, ErrorUnknown},
	}
	for _, c := range cases {
		s := New()
		s.OnUpdate(map[string]any{"print_error": float64(c.code)})
		assert.Equal(t, c.want, s.GetPrinterError(), "code=%d", c.code)
	}
}

func TestGetPrintCookieRequiresBoth(t *testing.T) {
	s := New()
	_, ok := s.GetPrintCookie()
	assert.False(t, ok)

	s.OnUpdate(map[string]any{"project_id": "p1"})
	_, ok = s.GetPrintCookie()
	assert.False(t, ok)

	s.OnUpdate(map[string]any{"subtask_name": "cube.3mf"})
	cookie, ok := s.GetPrintCookie()
	require.True(t, ok)
	assert.Equal(t, "p1-cube", cookie)
}

func TestIsPrintingPredicates(t *testing.T) {
	s := New()
	s.OnUpdate(map[string]any{"gcode_state": "PAUSE"})
	assert.True(t, s.IsPaused())
	assert.False(t, s.IsPrinting(false))
	assert.True(t, s.IsPrinting(true))

	s.OnUpdate(map[string]any{"gcode_state": "PREPARE"})
	assert.True(t, s.IsPrepareOrSlicing())
	assert.True(t, s.IsPrinting(false))

	s.OnUpdate(map[string]any{"gcode_state": "SLICING"})
	assert.True(t, s.IsPrepareOrSlicing())

	s.OnUpdate(map[string]any{"gcode_state": "RUNNING"})
	assert.False(t, s.IsPrepareOrSlicing())
	assert.True(t, s.IsPrinting(false))
}

func TestContinuousRemainingSecCountsDownWhileRunning(t *testing.T) {
	s := New()
	s.OnUpdate(map[string]any{"gcode_state": "RUNNING", "mc_remaining_time": float64(5)})

	// Simulate 30s elapsed by rewinding the anchor directly (white-box but
	// avoids a real sleep in the test suite).
	s.mu.Lock()
	s.lastRemainingUpdate = time.Now().Add(-30 * time.Second)
	s.mu.Unlock()

	remaining, ok := s.GetContinuousRemainingSec()
	require.True(t, ok)
	assert.Equal(t, 270, remaining)
}

func TestContinuousRemainingSecHoldsDuringPrepare(t *testing.T) {
	s := New()
	s.OnUpdate(map[string]any{"gcode_state": "PREPARE", "mc_remaining_time": float64(5)})

	s.mu.Lock()
	s.lastRemainingUpdate = time.Now().Add(-30 * time.Second)
	s.mu.Unlock()

	remaining, ok := s.GetContinuousRemainingSec()
	require.True(t, ok)
	assert.Equal(t, 300, remaining)
}

func TestContinuousRemainingSecNeverNegative(t *testing.T) {
	s := New()
	s.OnUpdate(map[string]any{"gcode_state": "RUNNING", "mc_remaining_time": float64(1)})

	s.mu.Lock()
	s.lastRemainingUpdate = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	remaining, ok := s.GetContinuousRemainingSec()
	require.True(t, ok)
	assert.Equal(t, 0, remaining)
}

func TestResetClearsEverything(t *testing.T) {
	s := New()
	s.OnUpdate(map[string]any{"gcode_state": "RUNNING", "project_id": "p1", "subtask_name": "a.3mf"})
	s.Reset()

	assert.Equal(t, GcodeState(""), s.GcodeStateValue())
	_, ok := s.GetPrintCookie()
	assert.False(t, ok)
}

func TestVersionMapsESP32AndRV1126(t *testing.T) {
	v := NewVersion()
	v.OnUpdate(map[string]any{
		"module": []any{
			map[string]any{"name": "esp32", "hw_ver": "AP04", "project_name": "C11"},
			map[string]any{"name": "ota", "sw_ver": "01.02.03"},
		},
	})
	assert.Equal(t, CPUESP32, v.CPU())
	assert.Equal(t, ModelP1P, v.Model())
	assert.Equal(t, "01.02.03", v.SoftwareVersion())

	v2 := NewVersion()
	v2.OnUpdate(map[string]any{
		"module": []any{
			map[string]any{"name": "rv1126", "hw_ver": "AP05"},
		},
	})
	assert.Equal(t, CPURV1126, v2.CPU())
	assert.Equal(t, ModelX1C, v2.Model())
}

func TestVersionUnknownHardwareStaysUnknown(t *testing.T) {
	v := NewVersion()
	v.OnUpdate(map[string]any{"module": []any{map[string]any{"name": "ota", "sw_ver": "1"}}})
	assert.Equal(t, CPUUnknown, v.CPU())
	assert.Equal(t, ModelUnknown, v.Model())
}
