package commands

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambu-companion/agent/internal/printerstate"
	"github.com/bambu-companion/agent/internal/records"
)

type fakeCommander struct {
	pauseErr, resumeErr, stopErr, lightErr error
	lightCalls                             []bool
}

func (f *fakeCommander) Pause() error  { return f.pauseErr }
func (f *fakeCommander) Resume() error { return f.resumeErr }
func (f *fakeCommander) Stop() error   { return f.stopErr }
func (f *fakeCommander) SetChamberLight(on bool) error {
	f.lightCalls = append(f.lightCalls, on)
	return f.lightErr
}

func newTestCommands(t *testing.T) (*Commands, *printerstate.State, *fakeCommander, *records.Store) {
	t.Helper()
	state := printerstate.New()
	upstream := &fakeCommander{}
	store, err := records.New(t.TempDir())
	require.NoError(t, err)
	return New(state, upstream, store), state, upstream, store
}

func TestPauseResumeCancelDelegateToUpstream(t *testing.T) {
	cmds, _, upstream, _ := newTestCommands(t)

	require.NoError(t, cmds.Pause())
	require.NoError(t, cmds.Resume())
	require.NoError(t, cmds.Cancel())
	require.NoError(t, cmds.SetLight(true))
	assert.Equal(t, []bool{true}, upstream.lightCalls)
}

func TestPauseWrapsUpstreamError(t *testing.T) {
	cmds, _, upstream, _ := newTestCommands(t)
	upstream.pauseErr = errors.New("boom")

	err := cmds.Pause()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pause")
	assert.Contains(t, err.Error(), "boom")
}

func TestGetJobStatusIdleWhenUnknown(t *testing.T) {
	cmds, _, _, _ := newTestCommands(t)
	status := cmds.GetJobStatus()
	assert.Equal(t, "idle", status.State)
	assert.Empty(t, status.Error)
}

func TestGetJobStatusWarmingUpDuringPrepare(t *testing.T) {
	cmds, state, _, _ := newTestCommands(t)
	state.OnUpdate(map[string]any{"gcode_state": "PREPARE"})
	assert.Equal(t, "warmingup", cmds.GetJobStatus().State)
}

func TestGetJobStatusWarmingUpDuringRunningWithHeatingStage(t *testing.T) {
	cmds, state, _, _ := newTestCommands(t)
	state.OnUpdate(map[string]any{"gcode_state": "RUNNING", "stg_cur": float64(2)})
	status := cmds.GetJobStatus()
	assert.Equal(t, "warmingup", status.State)
	assert.Equal(t, "heatbed preheating", status.SubState)
}

func TestGetJobStatusSubStateFallsBackToStageNumberWhenUnmapped(t *testing.T) {
	cmds, state, _, _ := newTestCommands(t)
	state.OnUpdate(map[string]any{"gcode_state": "RUNNING", "stg_cur": float64(999)})
	assert.Equal(t, "stage 999", cmds.GetJobStatus().SubState)
}

func TestGetJobStatusPrintingDuringRunningWithoutWarmupStage(t *testing.T) {
	cmds, state, _, _ := newTestCommands(t)
	state.OnUpdate(map[string]any{"gcode_state": "RUNNING", "stg_cur": float64(0)})
	assert.Equal(t, "printing", cmds.GetJobStatus().State)
}

func TestGetJobStatusFinishWithLayersIsComplete(t *testing.T) {
	cmds, state, _, _ := newTestCommands(t)
	state.OnUpdate(map[string]any{"gcode_state": "FINISH", "total_layer_num": float64(100)})
	assert.Equal(t, "complete", cmds.GetJobStatus().State)
}

func TestGetJobStatusFinishWithoutLayersIsIdle(t *testing.T) {
	cmds, state, _, _ := newTestCommands(t)
	state.OnUpdate(map[string]any{"gcode_state": "FINISH"})
	assert.Equal(t, "idle", cmds.GetJobStatus().State)
}

func TestGetJobStatusFailedIsCancelled(t *testing.T) {
	cmds, state, _, _ := newTestCommands(t)
	state.OnUpdate(map[string]any{"gcode_state": "FAILED"})
	assert.Equal(t, "cancelled", cmds.GetJobStatus().State)
}

func TestGetJobStatusPrinterErrorOverridesState(t *testing.T) {
	cmds, state, _, _ := newTestCommands(t)
	state.OnUpdate(map[string]any{"gcode_state": "RUNNING", "print_error": float64(117473297)})
	status := cmds.GetJobStatus()
	assert.Equal(t, "error", status.State)
	assert.Equal(t, "filament runout", status.Error)
}

func TestGetJobStatusIncludesRoundedTempsAndLight(t *testing.T) {
	cmds, state, _, _ := newTestCommands(t)
	state.OnUpdate(map[string]any{
		"nozzle_temper": 199.999, "nozzle_target_temper": 200.0,
		"bed_temper": 59.994, "bed_target_temper": 60.0,
		"chamber_light": true,
	})
	status := cmds.GetJobStatus()
	require.NotNil(t, status.HotendActual)
	assert.Equal(t, 200.0, *status.HotendActual)
	require.NotNil(t, status.BedActual)
	assert.Equal(t, 59.99, *status.BedActual)
	require.Len(t, status.Lights, 1)
	assert.Equal(t, Light{Name: "chamber", On: true}, status.Lights[0])
}

func TestGetJobStatusCurrentDurationComesFromRecord(t *testing.T) {
	cmds, state, _, store := newTestCommands(t)
	state.OnUpdate(map[string]any{"project_id": "p1", "subtask_name": "cube.3mf", "gcode_state": "RUNNING"})

	cookie, ok := state.GetPrintCookie()
	require.True(t, ok)

	start := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	rec, err := store.CreateNew(cookie, start.Unix())
	require.NoError(t, err)
	_ = rec

	cmds.now = func() time.Time { return start.Add(90 * time.Second) }

	status := cmds.GetJobStatus()
	require.NotNil(t, status.CurrentSec)
	assert.Equal(t, int64(90), *status.CurrentSec)
}

func TestGetJobStatusCurrentDurationUsesFinalizedDurationWhenSet(t *testing.T) {
	cmds, state, _, store := newTestCommands(t)
	state.OnUpdate(map[string]any{"project_id": "p1", "subtask_name": "cube.3mf", "gcode_state": "FINISH", "total_layer_num": float64(10)})

	cookie, _ := state.GetPrintCookie()
	rec, err := store.CreateNew(cookie, 0)
	require.NoError(t, err)
	final := int64(600)
	rec.FinalDurationSec = &final
	require.NoError(t, rec.Save())

	status := cmds.GetJobStatus()
	require.NotNil(t, status.CurrentSec)
	assert.Equal(t, int64(600), *status.CurrentSec)
}

func TestGetJobStatusFilenameStripsExtension(t *testing.T) {
	cmds, state, _, _ := newTestCommands(t)
	state.OnUpdate(map[string]any{"subtask_name": "benchy.gcode.3mf"})
	assert.Equal(t, "benchy.gcode", cmds.GetJobStatus().Filename)
}

