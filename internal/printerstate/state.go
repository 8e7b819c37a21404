// Package printerstate holds the in-memory cache of the most recently known
// state of a single Bambu printer. It is updated from partial JSON deltas
// received over MQTT and is read by every other subsystem (the translator,
// the command surface, QuickCam's protocol-variant selector).
package printerstate

import (
	"strconv"
	"sync"
	"time"
)

// GcodeState mirrors the printer-reported gcode_state enum. Bambu printers
// send this as a free-form string; we keep it as a string rather than a
// closed enum because firmware occasionally reports values we don't know
// about yet, and refusing to cache an unrecognized value would throw away
// information the rest of the system doesn't need to understand.
type GcodeState string

const (
	GcodeIdle     GcodeState = "IDLE"
	GcodePrepare  GcodeState = "PREPARE"
	GcodeSlicing  GcodeState = "SLICING"
	GcodeRunning  GcodeState = "RUNNING"
	GcodePause    GcodeState = "PAUSE"
	GcodeFinish   GcodeState = "FINISH"
	GcodeFailed   GcodeState = "FAILED"
	GcodeInit     GcodeState = "INIT"
	GcodeOffline  GcodeState = "OFFLINE"
	GcodeUnknown  GcodeState = "UNKNOWN"
)

// PrinterError is a small classification of print_error codes.
type PrinterError int

const (
	ErrorNone PrinterError = iota
	ErrorFilamentRunOut
	ErrorUnknown
)

// filamentRunOutCodes are the decimal print_error values that indicate the
// AMS or external spool ran dry. They're the decimal form of the hex codes
// (07008011 etc.) from https://e.bambulab.com/query.php.
var filamentRunOutCodes = map[int64]bool{
	117473297: true, // 07008011
	117539089: true, // 07018111
	117604881: true, // 07028211
	117670673: true, // 07038311
	134184977: true, // 07FF8011
}

// notAnErrorCodes are printer-reported conditions that look like errors but
// aren't — e.g. the "push filament in" prompt during a manual load.
var notAnErrorCodes = map[int64]bool{
	83918896:  true, // 05008030
	50364434:  true, // 03008012
	83935249:  true, // 0500C011
	134184967: true, // 07FF8007-ish AMS load prompt
}

// State is the mutable, last-writer-wins cache of one printer's reported
// fields. All fields are optional: a nil pointer or zero value means
// "unknown", not "false"/"0". Safe for concurrent use; OnUpdate is expected
// to be called from a single writer goroutine (the upstream session's
// receive loop) while every other method may be called concurrently by
// readers.
type State struct {
	mu sync.RWMutex

	gcodeState     GcodeState
	stageCurrent   *int
	layerNum       *int
	totalLayerNum  *int
	subtaskName    *string
	projectID      *string
	mcPercent      *float64
	nozzleTemper   *float64
	nozzleTarget   *float64
	bedTemper      *float64
	bedTarget      *float64
	mcRemainingMin *int
	printError     *int64
	rtspURL        *string // nil = absent; pointer-to-"" = known empty
	chamberLight   *bool

	lastRemainingUpdate time.Time
}

func New() *State {
	return &State{}
}

// raw is the subset of a printer "print" sub-object we understand. Fields
// use pointers so we can distinguish "absent from this partial" from
// "explicitly zero".
type raw struct {
	StgCur          *int     `json:"stg_cur"`
	GcodeState      *string  `json:"gcode_state"`
	LayerNum        *int     `json:"layer_num"`
	TotalLayerNum   *int     `json:"total_layer_num"`
	SubtaskName     *string  `json:"subtask_name"`
	ProjectID       *string  `json:"project_id"`
	McPercent       *float64 `json:"mc_percent"`
	NozzleTemper    *float64 `json:"nozzle_temper"`
	NozzleTargetTmp *float64 `json:"nozzle_target_temper"`
	BedTemper       *float64 `json:"bed_temper"`
	BedTargetTemper *float64 `json:"bed_target_temper"`
	McRemainingTime *int     `json:"mc_remaining_time"`
	PrintError      *int64   `json:"print_error"`
	ChamberLight    *bool    `json:"chamber_light"`
	IPCam           *struct {
		RtspURL *string `json:"rtsp_url"`
	} `json:"ipcam"`
}

// OnUpdate merges a partial "print" delta into the cache. Keys absent from
// the partial leave the previously cached value untouched; keys present
// overwrite it, even when the new value is the zero value (that's how
// Bambu tells us e.g. chamber_light turned off).
func (s *State) OnUpdate(partial map[string]any) {
	r := decode(partial)

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.StgCur != nil {
		s.stageCurrent = r.StgCur
	}
	if r.GcodeState != nil {
		s.gcodeState = GcodeState(*r.GcodeState)
	}
	if r.LayerNum != nil {
		s.layerNum = r.LayerNum
	}
	if r.TotalLayerNum != nil {
		s.totalLayerNum = r.TotalLayerNum
	}
	if r.SubtaskName != nil {
		s.subtaskName = r.SubtaskName
	}
	if r.ProjectID != nil {
		s.projectID = r.ProjectID
	}
	if r.McPercent != nil {
		s.mcPercent = r.McPercent
	}
	if r.NozzleTemper != nil {
		s.nozzleTemper = r.NozzleTemper
	}
	if r.NozzleTargetTmp != nil {
		s.nozzleTarget = r.NozzleTargetTmp
	}
	if r.BedTemper != nil {
		s.bedTemper = r.BedTemper
	}
	if r.BedTargetTemper != nil {
		s.bedTarget = r.BedTargetTemper
	}
	if r.PrintError != nil {
		s.printError = r.PrintError
	}
	if r.ChamberLight != nil {
		s.chamberLight = r.ChamberLight
	}
	if r.IPCam != nil && r.IPCam.RtspURL != nil {
		s.rtspURL = r.IPCam.RtspURL
	}
	if r.McRemainingTime != nil {
		if s.mcRemainingMin == nil || *s.mcRemainingMin != *r.McRemainingTime {
			s.lastRemainingUpdate = time.Now()
		}
		s.mcRemainingMin = r.McRemainingTime
	}
}

// decode pulls the fields we understand out of a loosely-typed map. We
// decode by hand rather than round-tripping through encoding/json because
// the caller already has a parsed map[string]any (the upstream session
// unmarshals the whole MQTT payload once) and re-marshaling it just to
// re-unmarshal into a struct would be wasted work on the hot path.
func decode(m map[string]any) *raw {
	r := &raw{}
	if v, ok := m["stg_cur"]; ok {
		r.StgCur = toIntPtr(v)
	}
	if v, ok := m["gcode_state"]; ok {
		if s, ok := v.(string); ok {
			r.GcodeState = &s
		}
	}
	if v, ok := m["layer_num"]; ok {
		r.LayerNum = toIntPtr(v)
	}
	if v, ok := m["total_layer_num"]; ok {
		r.TotalLayerNum = toIntPtr(v)
	}
	if v, ok := m["subtask_name"]; ok {
		if s, ok := v.(string); ok {
			r.SubtaskName = &s
		}
	}
	if v, ok := m["project_id"]; ok {
		if s, ok := v.(string); ok {
			r.ProjectID = &s
		} else if n, ok := toFloatPtr(v); ok {
			s := strconv.FormatFloat(*n, 'f', -1, 64)
			r.ProjectID = &s
		}
	}
	if v, ok := m["mc_percent"]; ok {
		r.McPercent, _ = toFloatPtr(v)
	}
	if v, ok := m["nozzle_temper"]; ok {
		r.NozzleTemper, _ = toFloatPtr(v)
	}
	if v, ok := m["nozzle_target_temper"]; ok {
		r.NozzleTargetTmp, _ = toFloatPtr(v)
	}
	if v, ok := m["bed_temper"]; ok {
		r.BedTemper, _ = toFloatPtr(v)
	}
	if v, ok := m["bed_target_temper"]; ok {
		r.BedTargetTemper, _ = toFloatPtr(v)
	}
	if v, ok := m["mc_remaining_time"]; ok {
		r.McRemainingTime = toIntPtr(v)
	}
	if v, ok := m["print_error"]; ok {
		if f, ok := toFloatPtr(v); ok {
			i := int64(*f)
			r.PrintError = &i
		}
	}
	if v, ok := m["chamber_light"]; ok {
		if b, ok := v.(bool); ok {
			r.ChamberLight = &b
		}
	}
	if v, ok := m["ipcam"]; ok {
		if mm, ok := v.(map[string]any); ok {
			ipcam := struct {
				RtspURL *string `json:"rtsp_url"`
			}{}
			if rv, ok := mm["rtsp_url"]; ok {
				if s, ok := rv.(string); ok {
					ipcam.RtspURL = &s
				}
			}
			r.IPCam = &ipcam
		}
	}
	return r
}

func toIntPtr(v any) *int {
	f, ok := toFloatPtr(v)
	if !ok {
		return nil
	}
	i := int(*f)
	return &i
}

func toFloatPtr(v any) (*float64, bool) {
	switch n := v.(type) {
	case float64:
		return &n, true
	case int:
		f := float64(n)
		return &f, true
	case int64:
		f := float64(n)
		return &f, true
	}
	return nil, false
}

// GcodeStateValue returns the currently cached gcode_state.
func (s *State) GcodeStateValue() GcodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gcodeState
}

// IsPrinting reports whether the cached state represents an active print.
// includePaused additionally counts the PAUSE state as printing.
func (s *State) IsPrinting(includePaused bool) bool {
	return IsPrintingState(s.GcodeStateValue(), includePaused)
}

// IsPrintingState is the free function form, used by the translator to
// evaluate a state string without going through a State instance (e.g. when
// comparing the previous and current gcode_state).
func IsPrintingState(state GcodeState, includePaused bool) bool {
	if state == "" {
		return false
	}
	if state == GcodePause {
		return includePaused
	}
	return state == GcodeRunning || IsPrepareOrSlicingState(state)
}

// IsPaused reports whether gcode_state == PAUSE.
func (s *State) IsPaused() bool {
	return s.GcodeStateValue() == GcodePause
}

// IsPrepareOrSlicing reports whether gcode_state is PREPARE or SLICING.
func (s *State) IsPrepareOrSlicing() bool {
	return IsPrepareOrSlicingState(s.GcodeStateValue())
}

func IsPrepareOrSlicingState(state GcodeState) bool {
	return state == GcodePrepare || state == GcodeSlicing
}

// GetPrinterError classifies the cached print_error code.
func (s *State) GetPrinterError() PrinterError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return classifyError(s.printError)
}

func classifyError(code *int64) PrinterError {
	if code == nil || *code == 0 {
		return ErrorNone
	}
	if notAnErrorCodes[*code] {
		return ErrorNone
	}
	if filamentRunOutCodes[*code] {
		return ErrorFilamentRunOut
	}
	return ErrorUnknown
}

// GetPrintCookie returns project_id + "-" + filename-without-extension, or
// ("", false) if either half is missing or empty.
func (s *State) GetPrintCookie() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.projectID == nil || *s.projectID == "" || s.subtaskName == nil || *s.subtaskName == "" {
		return "", false
	}
	return *s.projectID + "-" + fileNameNoExt(*s.subtaskName), true
}

// FileNameNoExt strips the extension from the cached subtask_name, or
// returns ("", false) if it's unknown.
func (s *State) FileNameNoExt() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.subtaskName == nil || *s.subtaskName == "" {
		return "", false
	}
	return fileNameNoExt(*s.subtaskName), true
}

func fileNameNoExt(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}

// GetContinuousRemainingSec returns a seconds-resolution countdown derived
// from the printer's minutes-resolution mc_remaining_time, extrapolated
// against wall-clock time since the last update. While PREPARE/SLICING, the
// printer holds mc_remaining_time constant, so we return it unmodified and
// rebase the wall-clock anchor so the later transition to RUNNING doesn't
// snap to a stale offset. Returns (0, false) if unknown.
func (s *State) GetContinuousRemainingSec() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mcRemainingMin == nil || s.lastRemainingUpdate.IsZero() {
		return 0, false
	}
	total := *s.mcRemainingMin * 60
	if IsPrepareOrSlicingState(s.gcodeState) {
		s.lastRemainingUpdate = time.Now()
		return total, true
	}
	elapsed := int(time.Since(s.lastRemainingUpdate).Seconds())
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Snapshot fields used by the command surface and QuickCam. Each accessor
// takes a brief read lock and returns a plain value/pointer copy so callers
// never hold onto internal state.

func (s *State) StageCurrent() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stageCurrent == nil {
		return 0, false
	}
	return *s.stageCurrent, true
}

func (s *State) LayerNum() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.layerNum == nil {
		return 0, false
	}
	return *s.layerNum, true
}

func (s *State) TotalLayerNum() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.totalLayerNum == nil {
		return 0, false
	}
	return *s.totalLayerNum, true
}

func (s *State) McPercent() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mcPercent == nil {
		return 0, false
	}
	return *s.mcPercent, true
}

func (s *State) NozzleTemps() (actual, target float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.nozzleTemper == nil {
		return 0, 0, false
	}
	target = 0
	if s.nozzleTarget != nil {
		target = *s.nozzleTarget
	}
	return *s.nozzleTemper, target, true
}

func (s *State) BedTemps() (actual, target float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bedTemper == nil {
		return 0, 0, false
	}
	target = 0
	if s.bedTarget != nil {
		target = *s.bedTarget
	}
	return *s.bedTemper, target, true
}

func (s *State) RtspURL() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rtspURL == nil {
		return "", false
	}
	return *s.rtspURL, true
}

func (s *State) ChamberLight() (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.chamberLight == nil {
		return false, false
	}
	return *s.chamberLight, true
}

// Reset clears all cached fields. Called when the upstream connection drops,
// since state is unknown while disconnected.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcodeState = ""
	s.stageCurrent = nil
	s.layerNum = nil
	s.totalLayerNum = nil
	s.subtaskName = nil
	s.projectID = nil
	s.mcPercent = nil
	s.nozzleTemper = nil
	s.nozzleTarget = nil
	s.bedTemper = nil
	s.bedTarget = nil
	s.mcRemainingMin = nil
	s.printError = nil
	s.rtspURL = nil
	s.chamberLight = nil
	s.lastRemainingUpdate = time.Time{}
}
