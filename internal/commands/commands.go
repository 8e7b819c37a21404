// Package commands is the thin synchronous surface other parts of the agent
// (including the JSON HTTP handler in this package) call to act on or read the
// printer: pause/resume/cancel/light plus a language-neutral job status
// snapshot, composed from C1's cached state and C2's publish API.
package commands

import (
	"fmt"
	"math"
	"time"

	"github.com/bambu-companion/agent/internal/printerstate"
	"github.com/bambu-companion/agent/internal/records"
)

// Commander is the subset of the upstream session a Commands needs. Kept
// small and interface-shaped so tests can fake it without standing up a
// real MQTT session.
type Commander interface {
	Pause() error
	Resume() error
	Stop() error
	SetChamberLight(on bool) error
}

// Commands composes reads of the cached printer state with the handful of
// control publishes the printer understands.
type Commands struct {
	state    *printerstate.State
	upstream Commander
	records  *records.Store

	now func() time.Time
}

func New(state *printerstate.State, upstream Commander, store *records.Store) *Commands {
	return &Commands{state: state, upstream: upstream, records: store, now: time.Now}
}

func (c *Commands) Pause() error {
	if err := c.upstream.Pause(); err != nil {
		return commanderError("pause", err)
	}
	return nil
}

func (c *Commands) Resume() error {
	if err := c.upstream.Resume(); err != nil {
		return commanderError("resume", err)
	}
	return nil
}

func (c *Commands) Cancel() error {
	if err := c.upstream.Stop(); err != nil {
		return commanderError("cancel", err)
	}
	return nil
}

func (c *Commands) SetLight(on bool) error {
	if err := c.upstream.SetChamberLight(on); err != nil {
		return commanderError("set light", err)
	}
	return nil
}

// JobStatus is the language-neutral status record front ends poll. Optional
// fields use pointers so "unknown" and "zero" stay distinguishable.
type JobStatus struct {
	State        string
	SubState     string
	Layer        *int
	TotalLayer   *int
	CurrentSec   *int64
	Progress     *float64
	TimeLeftSec  *int
	HotendActual *float64
	HotendTarget *float64
	BedActual    *float64
	BedTarget    *float64
	Lights       []Light
	Filename     string
	Error        string
}

type Light struct {
	Name string
	On   bool
}

// stageCurrentLabels maps the printer's stage_current codes to a short
// human string. Codes not in this table are reported as "stage <code>".
var stageCurrentLabels = map[int]string{
	0:  "printing",
	1:  "auto bed leveling",
	2:  "heatbed preheating",
	3:  "sweeping xy mech mode",
	4:  "changing filament",
	5:  "m400 pause",
	6:  "paused due to filament runout",
	7:  "heating hotend",
	8:  "calibrating extrusion",
	9:  "scanning bed surface",
	10: "inspecting first layer",
	11: "identifying build plate type",
	12: "calibrating micro lidar",
	13: "homing toolhead",
	14: "cleaning nozzle tip",
	15: "checking extruder temperature",
	16: "paused by the user",
	17: "paused due to front cover falling",
	18: "calibrating micro lidar",
	19: "calibrating extrusion flow",
	20: "paused due to nozzle temperature malfunction",
	21: "paused due to heatbed temperature malfunction",
}

// warmingUpStages are the stage_current codes RUNNING/SLICING reports while
// the hotend/bed are still coming up to temperature, before layer 1 starts.
var warmingUpStages = map[int]bool{2: true, 7: true}

// GetJobStatus builds a JobStatus from the currently cached printer state.
func (c *Commands) GetJobStatus() JobStatus {
	status := JobStatus{State: c.resolveState()}

	if stage, ok := c.state.StageCurrent(); ok {
		if label, ok := stageCurrentLabels[stage]; ok {
			status.SubState = label
		} else {
			status.SubState = fmt.Sprintf("stage %d", stage)
		}
	}

	if layer, ok := c.state.LayerNum(); ok {
		status.Layer = &layer
	}
	if total, ok := c.state.TotalLayerNum(); ok {
		status.TotalLayer = &total
	}
	if pct, ok := c.state.McPercent(); ok {
		p := roundTo2(pct)
		status.Progress = &p
	}
	if remaining, ok := c.state.GetContinuousRemainingSec(); ok {
		status.TimeLeftSec = &remaining
	}
	if actual, target, ok := c.state.NozzleTemps(); ok {
		a, tg := roundTo2(actual), roundTo2(target)
		status.HotendActual, status.HotendTarget = &a, &tg
	}
	if actual, target, ok := c.state.BedTemps(); ok {
		a, tg := roundTo2(actual), roundTo2(target)
		status.BedActual, status.BedTarget = &a, &tg
	}
	if on, ok := c.state.ChamberLight(); ok {
		status.Lights = []Light{{Name: "chamber", On: on}}
	}
	if name, ok := c.state.FileNameNoExt(); ok {
		status.Filename = name
	}
	status.CurrentSec = c.currentDurationSec()
	status.Error = c.resolveError()

	if status.Error != "" {
		status.State = "error"
	}

	return status
}

// resolveState maps gcode_state (plus stage_current, for the warming-up
// split) onto the fixed status vocabulary front ends expect.
func (c *Commands) resolveState() string {
	switch c.state.GcodeStateValue() {
	case printerstate.GcodeIdle, printerstate.GcodeInit, printerstate.GcodeOffline, printerstate.GcodeUnknown, "":
		return "idle"
	case printerstate.GcodeRunning, printerstate.GcodeSlicing:
		if stage, ok := c.state.StageCurrent(); ok && warmingUpStages[stage] {
			return "warmingup"
		}
		return "printing"
	case printerstate.GcodePause:
		return "paused"
	case printerstate.GcodeFinish:
		if total, ok := c.state.TotalLayerNum(); ok && total > 0 {
			return "complete"
		}
		return "idle" // X1 first-boot calibration reports FINISH with no layers
	case printerstate.GcodeFailed:
		return "cancelled"
	case printerstate.GcodePrepare:
		return "warmingup"
	default:
		return "idle"
	}
}

func (c *Commands) resolveError() string {
	switch c.state.GetPrinterError() {
	case printerstate.ErrorFilamentRunOut:
		return "filament runout"
	case printerstate.ErrorUnknown:
		return "unknown printer error"
	default:
		return ""
	}
}

// currentDurationSec derives the in-progress (or final) duration of the
// current print cookie from its on-disk record, if one exists.
func (c *Commands) currentDurationSec() *int64 {
	cookie, ok := c.state.GetPrintCookie()
	if !ok || c.records == nil {
		return nil
	}
	rec, err := c.records.GetOrNull(cookie)
	if err != nil || rec == nil {
		return nil
	}
	if rec.FinalDurationSec != nil {
		return rec.FinalDurationSec
	}
	elapsed := c.now().Unix() - rec.LocalStartTimeSec
	if elapsed < 0 {
		elapsed = 0
	}
	return &elapsed
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}

// commanderError wraps a failed upstream publish with the command name, so
// logs and API responses can tell pause/resume/cancel/light failures apart.
func commanderError(action string, err error) error {
	return fmt.Errorf("%s: %w", action, err)
}
