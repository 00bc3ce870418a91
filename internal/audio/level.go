package audio

import "math"

const (
	LevelFloorDB   = -60.0
	LevelCeilingDB = 0.0
)

// Level reduces sample blocks to a normalized [0,1] meter value:
// mean absolute amplitude, then dBFS, then mapped between the floor and ceiling.
func Level(blocks ...[]float32) float64 {
	var sum float64
	var n int
	for _, block := range blocks {
		for _, s := range block {
			sum += math.Abs(float64(s))
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return NormalizeDB(AmplitudeToDB(sum / float64(n)))
}

// AmplitudeToDB converts a linear amplitude to dBFS
func AmplitudeToDB(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(amplitude)
}

// NormalizeDB maps a dBFS value onto [0,1]
func NormalizeDB(db float64) float64 {
	switch {
	case math.IsNaN(db) || db <= LevelFloorDB:
		return 0
	case db >= LevelCeilingDB:
		return 1
	}
	return (db - LevelFloorDB) / (LevelCeilingDB - LevelFloorDB)
}
