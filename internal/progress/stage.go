package progress

// Stage is an ordered step of a processing operation
type Stage int

const (
	StageValidation Stage = iota
	StageLoading
	StageSetup
	StageProcessing
	StageMixing
	StageFinalizing
	StageComplete
)

type stageInfo struct {
	name   string
	base   float64
	weight float64
}

var stages = [...]stageInfo{
	StageValidation: {"validation", 0.00, 0.05},
	StageLoading:    {"loading", 0.05, 0.10},
	StageSetup:      {"setup", 0.15, 0.05},
	StageProcessing: {"processing", 0.20, 0.30},
	StageMixing:     {"mixing", 0.50, 0.40},
	StageFinalizing: {"finalizing", 0.90, 0.10},
	StageComplete:   {"complete", 1.00, 0.00},
}

func (s Stage) valid() bool { return s >= StageValidation && s <= StageComplete }

// String returns the stage name
func (s Stage) String() string {
	if !s.valid() {
		return "unknown"
	}
	return stages[s].name
}

// Base returns the progress at which the stage starts
func (s Stage) Base() float64 {
	if !s.valid() {
		return 0
	}
	return stages[s].base
}

// Weight returns the share of total progress the stage covers
func (s Stage) Weight() float64 {
	if !s.valid() {
		return 0
	}
	return stages[s].weight
}

// MarshalText encodes the stage by name
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
