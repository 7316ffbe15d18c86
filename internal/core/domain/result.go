package domain

import (
	"math"
	"time"
)

// Grade is the letter grade of a test or persona.
type Grade string

const (
	GradeAPlus      Grade = "A+"
	GradeA          Grade = "A"
	GradeB          Grade = "B"
	GradeC          Grade = "C"
	GradeD          Grade = "D"
	GradeF          Grade = "F"
	GradeIncomplete Grade = "incomplete"
)

// GradeForDelta maps Δ (loaded RTT minus baseline RTT, in ms) to the overall
// letter grade ladder.
func GradeForDelta(deltaMs float64) Grade {
	switch {
	case deltaMs < 5:
		return GradeAPlus
	case deltaMs < 30:
		return GradeA
	case deltaMs < 60:
		return GradeB
	case deltaMs < 200:
		return GradeC
	case deltaMs < 400:
		return GradeD
	default:
		return GradeF
	}
}

// GradeForPersona applies a persona's own Δ thresholds: A, B, C, then F.
func GradeForPersona(p Persona, deltaMs float64) Grade {
	spec, ok := PersonaSpecFor(p)
	if !ok {
		return GradeF
	}
	t := spec.Thresholds
	switch {
	case deltaMs <= t[0]:
		return GradeA
	case deltaMs <= t[1]:
		return GradeB
	case deltaMs <= t[2]:
		return GradeC
	default:
		return GradeF
	}
}

var gradeValues = map[Grade]float64{
	GradeAPlus: 5,
	GradeA:     4,
	GradeB:     3,
	GradeC:     2,
	GradeD:     1,
	GradeF:     0,
}

var valueGrades = []Grade{GradeF, GradeD, GradeC, GradeB, GradeA, GradeAPlus}

// HouseholdOverallGrade is the rounded arithmetic mean of the gaming and
// video-call grades. A persona whose stream was lost contributes an F.
func HouseholdOverallGrade(personaGrades map[Persona]Grade) Grade {
	sum := 0.0
	n := 0
	for _, p := range GradedPersonas() {
		g, ok := personaGrades[p]
		if !ok {
			g = GradeF
		}
		sum += gradeValues[g]
		n++
	}
	if n == 0 {
		return GradeIncomplete
	}
	idx := int(math.Round(sum / float64(n)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(valueGrades) {
		idx = len(valueGrades) - 1
	}
	return valueGrades[idx]
}

// TestResult is the immutable record produced when a test completes or
// aborts. JSON tags match the persisted schema and the client submission
// payload.
type TestResult struct {
	TestID        string            `json:"test_id"`
	Kind          TestKind          `json:"kind"`
	ClientAddr    string            `json:"client_addr"`
	Grade         Grade             `json:"grade"`
	PersonaGrades map[Persona]Grade `json:"persona_grades,omitempty"`
	BaselineRTTMs float64           `json:"baseline_rtt_ms"`
	LoadedRTTMs   float64           `json:"loaded_rtt_ms"`
	DownloadMbps  float64           `json:"download_mbps"`
	UploadMbps    float64           `json:"upload_mbps"`
	DurationS     float64           `json:"duration_s"`
	Timestamp     time.Time         `json:"ts"`
	AbortReason   string            `json:"abort_reason,omitempty"`
	Warnings      []string          `json:"warnings,omitempty"`
}

// Delta returns the grading variable for this result.
func (r *TestResult) Delta() float64 {
	return r.LoadedRTTMs - r.BaselineRTTMs
}
