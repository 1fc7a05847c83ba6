package cache

import "github.com/abramin/annoscan/internal/source"

// OutcomeKind classifies a validity check.
type OutcomeKind int

const (
	// Miss means nothing usable was cached.
	Miss OutcomeKind = iota
	// HitValid means the cached artifact matches the current input.
	HitValid
	// HitInvalid means an artifact was cached but may not be used.
	HitInvalid
	// ForcedValid means the artifact is used without checking it.
	ForcedValid
)

func (k OutcomeKind) String() string {
	switch k {
	case Miss:
		return "miss"
	case HitValid:
		return "valid"
	case HitInvalid:
		return "invalid"
	case ForcedValid:
		return "forced"
	}
	return "unknown"
}

// Outcome is the result of every validity check.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + " (" + o.Reason + ")"
}

// Usable reports whether the cached artifact may stand in for a scan.
func (o Outcome) Usable() bool {
	return o.Kind == HitValid || o.Kind == ForcedValid
}

func MissOutcome(reason string) Outcome    { return Outcome{Kind: Miss, Reason: reason} }
func ValidOutcome(reason string) Outcome   { return Outcome{Kind: HitValid, Reason: reason} }
func InvalidOutcome(reason string) Outcome { return Outcome{Kind: HitInvalid, Reason: reason} }
func ForcedOutcome() Outcome               { return Outcome{Kind: ForcedValid, Reason: "always valid"} }

// Downstream invalidates a hit whose upstream artifact was not usable. The
// downstream stamp is not consulted.
func (o Outcome) Downstream(upstream Outcome, upstreamName string) Outcome {
	if upstream.Usable() || o.Kind == Miss {
		return o
	}
	return InvalidOutcome(upstreamName + " changed")
}

// CheckStamp compares a cached stamp with the current one. hit reports
// whether anything was cached at all.
func CheckStamp(hit bool, cached, current string, opts Options) Outcome {
	switch {
	case !hit:
		return MissOutcome("not cached")
	case opts.AlwaysValid:
		return ForcedOutcome()
	case !source.StampUsable(current):
		return InvalidOutcome("current stamp " + current)
	case !source.StampUsable(cached):
		return InvalidOutcome("cached stamp " + cached)
	case source.StampsMatch(cached, current):
		return ValidOutcome("")
	}
	return InvalidOutcome("stamp changed")
}

// Options control how the cache is used.
type Options struct {
	// Disabled turns off reads and writes.
	Disabled bool
	// ReadOnly reads artifacts but never writes them.
	ReadOnly bool
	// AlwaysValid uses any cached artifact without a stamp check.
	AlwaysValid bool
	// Validate rescans sources whose stamps match and reports any
	// difference from the cached artifact.
	Validate bool
	// WriteThreads bounds concurrent artifact writes. Zero or one writes
	// synchronously.
	WriteThreads int
}
