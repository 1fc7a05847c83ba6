// Package source provides the class sources a scan reads from: class
// directories, jar archives, in-memory class sets and the ordered aggregate
// of them that makes up a module's classpath.
package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/abramin/annoscan/internal/classfile"
)

// Policy classifies the classes of a source.
type Policy uint8

const (
	// Seed classes are fully scanned and are the primary query results.
	Seed Policy = 1 << iota
	// Partial classes are fully scanned but are not seed results.
	Partial
	// Excluded classes are scanned but excluded from normal results.
	Excluded
	// External classes are scanned only when referenced, structure only.
	External
)

// Common policy masks.
const (
	NonExternal = Seed | Partial | Excluded
	All         = Seed | Partial | Excluded | External
)

// Policies lists the single policies in scan order.
var Policies = []Policy{Seed, Partial, Excluded, External}

// Accept reports whether p is selected by mask.
func (p Policy) Accept(mask Policy) bool {
	switch p {
	case Seed:
		return mask&Seed != 0
	case Partial:
		return mask&Partial != 0
	case Excluded:
		return mask&Excluded != 0
	case External:
		return mask&External != 0
	}
	return false
}

func (p Policy) String() string {
	switch p {
	case Seed:
		return "seed"
	case Partial:
		return "partial"
	case Excluded:
		return "excluded"
	case External:
		return "external"
	}
	var parts []string
	for _, single := range Policies {
		if p&single != 0 {
			parts = append(parts, single.String())
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParsePolicy parses a single policy name.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "seed":
		return Seed, nil
	case "partial":
		return Partial, nil
	case "excluded":
		return Excluded, nil
	case "external":
		return External, nil
	}
	return 0, fmt.Errorf("unknown policy %q", s)
}

// ParseMask parses a comma separated list of policies. "all" selects every
// policy.
func ParseMask(s string) (Policy, error) {
	if strings.TrimSpace(s) == "all" {
		return All, nil
	}
	var mask Policy
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		p, err := ParsePolicy(part)
		if err != nil {
			return 0, err
		}
		mask |= p
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty policy mask %q", s)
	}
	return mask, nil
}

// Stamp sentinels. Neither matches any stamp, including itself, so a
// source carrying one is always rescanned.
const (
	StampNotRecorded = "*** not recorded ***"
	StampUnavailable = "*** unavailable ***"
)

// StampUsable reports whether a stamp can be compared against a cached one.
func StampUsable(stamp string) bool {
	return stamp != "" && stamp != StampNotRecorded && stamp != StampUnavailable
}

// StampsMatch reports whether a cached stamp still describes the source.
func StampsMatch(cached, current string) bool {
	return StampUsable(cached) && StampUsable(current) && cached == current
}

// Streamer receives the classes of a source.
type Streamer interface {
	// Want reports whether a class should be streamed at all.
	Want(className string) bool
	// Stream receives the bytes of one class file.
	Stream(className string, data []byte)
	// StreamIndexed receives a class served from a precomputed index.
	StreamIndexed(c *classfile.Class)
	// Failed reports a class whose bytes could not be read.
	Failed(className string, err error)
}

// ClassSource is one element of a classpath.
type ClassSource interface {
	Name() string
	Policy() Policy
	Open() error
	Close() error
	// Stamp identifies the current content. It may return a sentinel.
	Stamp() string
	// ScanClasses streams every class of the source.
	ScanClasses(ctx context.Context, s Streamer) error
	// ScanSpecificSeedClass streams one named class, if present.
	ScanSpecificSeedClass(className string, s Streamer) (bool, error)
	// ScanReferencedClass streams one named class, if present.
	ScanReferencedClass(className string, s Streamer) (bool, error)
}

// Options configures a directory or jar source.
type Options struct {
	Name     string
	Path     string
	Policy   Policy
	Exclude  []string // gitignore-style patterns, relative to the source root
	UseIndex bool     // serve classes from a precomputed index when one exists
}
