package printerstate

import "sync"

// CPUFamily identifies the printer's main controller.
type CPUFamily string

const (
	CPUUnknown CPUFamily = "unknown"
	CPUESP32   CPUFamily = "esp32" // P1P/P1S/A1/A1 Mini
	CPURV1126  CPUFamily = "rv1126"
)

// Model identifies the printer hardware family.
type Model string

const (
	ModelUnknown Model = "unknown"
	ModelP1P     Model = "P1P"
	ModelP1S     Model = "P1S"
	ModelX1C     Model = "X1C"
	ModelX1E     Model = "X1E"
	ModelA1      Model = "A1"
	ModelA1Mini  Model = "A1 Mini"
)

// rv1126Models maps hardware version to model for the RV1126 CPU family.
var rv1126Models = map[string]Model{
	"AP05": ModelX1C,
	"AP02": ModelX1E,
}

// esp32Models maps (hardware version, project name) to model for the ESP32
// CPU family, which can't be distinguished by hardware version alone.
var esp32Models = map[[2]string]Model{
	{"AP04", "C11"}: ModelP1P,
	{"AP04", "C12"}: ModelP1S,
	{"AP05", "N1"}:  ModelA1Mini,
	{"AP05", "N2S"}: ModelA1,
	{"AP07", "N1"}:  ModelA1Mini,
}

// Version caches the printer's software/hardware identification, derived
// from the module list of an "info" message sent after the get_version
// priming publish.
type Version struct {
	mu sync.RWMutex

	softwareVersion string
	hardwareVersion string
	serialNumber    string
	projectName     string
	cpu             CPUFamily
	model           Model
}

func NewVersion() *Version {
	return &Version{}
}

type infoModule struct {
	Name        string `json:"name"`
	SwVer       string `json:"sw_ver"`
	HwVer       string `json:"hw_ver"`
	Sn          string `json:"sn"`
	ProjectName string `json:"project_name"`
}

// OnUpdate merges an "info" sub-object's module list into the cached
// version. Mirrors bambumodels.py's BambuVersion.OnUpdate.
func (v *Version) OnUpdate(info map[string]any) {
	rawModules, ok := info["module"].([]any)
	if !ok {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, rm := range rawModules {
		m, ok := rm.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		switch name {
		case "ota":
			if sw, ok := m["sw_ver"].(string); ok {
				v.softwareVersion = sw
			}
		case "mc":
			if sn, ok := m["sn"].(string); ok {
				v.serialNumber = sn
			}
		case "esp32":
			if hw, ok := m["hw_ver"].(string); ok {
				v.hardwareVersion = hw
			}
			if pn, ok := m["project_name"].(string); ok {
				v.projectName = pn
			}
			v.cpu = CPUESP32
		case "rv1126":
			if hw, ok := m["hw_ver"].(string); ok {
				v.hardwareVersion = hw
			}
			if pn, ok := m["project_name"].(string); ok {
				v.projectName = pn
			}
			v.cpu = CPURV1126
		}
	}

	if v.cpu == "" {
		v.cpu = CPUUnknown
	}

	v.model = resolveModel(v.cpu, v.hardwareVersion, v.projectName)
}

func resolveModel(cpu CPUFamily, hwVer, projectName string) Model {
	switch cpu {
	case CPURV1126:
		if m, ok := rv1126Models[hwVer]; ok {
			return m
		}
	case CPUESP32:
		if m, ok := esp32Models[[2]string{hwVer, projectName}]; ok {
			return m
		}
	}
	return ModelUnknown
}

func (v *Version) SoftwareVersion() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.softwareVersion
}

func (v *Version) HardwareVersion() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.hardwareVersion
}

func (v *Version) SerialNumber() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.serialNumber
}

func (v *Version) CPU() CPUFamily {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cpu == "" {
		return CPUUnknown
	}
	return v.cpu
}

func (v *Version) Model() Model {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.model == "" {
		return ModelUnknown
	}
	return v.model
}
