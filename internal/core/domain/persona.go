package domain

import (
	"time"
)

// Persona identifies one of the four stereotyped household traffic profiles.
// The set is closed; anything else on the wire is a protocol violation.
type Persona string

const (
	PersonaGaming    Persona = "gaming"
	PersonaVideoCall Persona = "video-call"
	PersonaStreaming Persona = "streaming"
	PersonaBulk      Persona = "bulk"
)

// DSCPClass is the 6-bit differentiated-services marking set best-effort on
// worker sockets. Downstream preservation is a hint, never a dependency.
type DSCPClass uint8

const (
	DSCPBestEffort DSCPClass = 0  // BE
	DSCPAF31       DSCPClass = 26 // streaming
	DSCPAF41       DSCPClass = 34 // video
	DSCPEF         DSCPClass = 46 // gaming
)

type ProfileKind string

const (
	ProfileConstantRate   ProfileKind = "constant-rate"
	ProfileBursty         ProfileKind = "bursty"
	ProfileContinuousFill ProfileKind = "continuous-fill"
)

// TrafficProfile describes one direction of a persona's traffic pattern.
type TrafficProfile struct {
	Kind      ProfileKind
	RateMbps  float64
	FrameSize int
	// Bursty profiles only
	OnPeriod  time.Duration
	OffPeriod time.Duration
	PeakMbps  float64
}

// GradeThresholds are per-persona Δms boundaries: at or below [0] grades A,
// [1] grades B, [2] grades C, anything beyond grades F.
type GradeThresholds [3]float64

// PersonaSpec is the static definition of one household persona.
type PersonaSpec struct {
	Name         Persona
	DSCP         DSCPClass
	PingInterval time.Duration
	Download     TrafficProfile
	Upload       TrafficProfile
	Thresholds   GradeThresholds
}

// Spec table mirrors the live household profiles: gaming is tiny frames at a
// tight cadence, video-call is symmetric 2.5 Mbps, streaming bursts 1s on /
// 4s off at 25 Mbps, bulk fills the downlink continuously.
var personaSpecs = map[Persona]PersonaSpec{
	PersonaGaming: {
		Name:         PersonaGaming,
		DSCP:         DSCPEF,
		PingInterval: 50 * time.Millisecond,
		Download:     TrafficProfile{Kind: ProfileConstantRate, RateMbps: 1.5, FrameSize: 60},
		Upload:       TrafficProfile{Kind: ProfileConstantRate, RateMbps: 0.75, FrameSize: 60},
		Thresholds:   GradeThresholds{25, 75, 150},
	},
	PersonaVideoCall: {
		Name:         PersonaVideoCall,
		DSCP:         DSCPAF41,
		PingInterval: 100 * time.Millisecond,
		Download:     TrafficProfile{Kind: ProfileConstantRate, RateMbps: 2.5, FrameSize: 1024},
		Upload:       TrafficProfile{Kind: ProfileConstantRate, RateMbps: 2.5, FrameSize: 1024},
		Thresholds:   GradeThresholds{50, 150, 300},
	},
	PersonaStreaming: {
		Name:         PersonaStreaming,
		DSCP:         DSCPAF31,
		PingInterval: 200 * time.Millisecond,
		Download: TrafficProfile{
			Kind:      ProfileBursty,
			PeakMbps:  25.0,
			OnPeriod:  1 * time.Second,
			OffPeriod: 4 * time.Second,
			FrameSize: 64 * 1024,
		},
		Upload:     TrafficProfile{Kind: ProfileConstantRate, RateMbps: 0.1, FrameSize: 256},
		Thresholds: GradeThresholds{100, 300, 600},
	},
	PersonaBulk: {
		Name:         PersonaBulk,
		DSCP:         DSCPBestEffort,
		PingInterval: 1000 * time.Millisecond,
		// RateMbps 0 means "fill": the orchestrator retargets this at runtime
		// from the speed-probe's p80 measurement.
		Download:   TrafficProfile{Kind: ProfileContinuousFill, FrameSize: 64 * 1024},
		Upload:     TrafficProfile{Kind: ProfileConstantRate, RateMbps: 0.1, FrameSize: 256},
		Thresholds: GradeThresholds{200, 1000, 5000},
	},
}

// DefaultPersonaPorts matches the original deployment's port map.
var DefaultPersonaPorts = map[Persona]int{
	PersonaStreaming: 8001,
	PersonaGaming:    8002,
	PersonaVideoCall: 8003,
	PersonaBulk:      8004,
}

// AllPersonas returns the closed persona set in a stable order.
func AllPersonas() []Persona {
	return []Persona{PersonaGaming, PersonaVideoCall, PersonaStreaming, PersonaBulk}
}

// PersonaSpecFor returns the static spec for a persona, false when unknown.
func PersonaSpecFor(p Persona) (PersonaSpec, bool) {
	spec, ok := personaSpecs[p]
	return spec, ok
}

// ParsePersona validates a wire persona name.
func ParsePersona(s string) (Persona, bool) {
	p := Persona(s)
	_, ok := personaSpecs[p]
	return p, ok
}

// GradedPersonas are the latency-sensitive personas included in the household
// overall grade; streaming and bulk tolerate high latency and are excluded.
func GradedPersonas() []Persona {
	return []Persona{PersonaGaming, PersonaVideoCall}
}
