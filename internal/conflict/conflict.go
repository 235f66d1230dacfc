// Package conflict checks proposed resource-ownership claims against the
// claims currently held by other workers. A worker may only go ACTIVE when
// none of its requested patterns overlap a pattern held by a worker that is
// ACTIVE or mid-handoff.
package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/relay/internal/lifecycle"
	"github.com/kingrea/relay/internal/store"
)

// Error reports an ownership overlap. It is surfaced to the requesting
// worker with the colliding patterns and their owners so the caller can
// re-negotiate scope instead of silently retrying.
type Error struct {
	WorkerID string
	Overlaps []store.PatternOverlap
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Overlaps))
	for _, o := range e.Overlaps {
		parts = append(parts, fmt.Sprintf("%s overlaps %s (held by %s)", o.Requested, o.Held, o.OwnerID))
	}
	return fmt.Sprintf("conflict: worker %s: %s", e.WorkerID, strings.Join(parts, "; "))
}

// blockingStates are the lifecycle states whose claims exclude new owners.
// A worker that has begun a handoff still owns its patterns until the
// handoff completes or fails.
var blockingStates = map[lifecycle.State]struct{}{
	lifecycle.StateActive:       {},
	lifecycle.StateHandoffReady: {},
	lifecycle.StateVerification: {},
}

// Certify checks the candidate's requested patterns against every other
// worker currently holding claims in a blocking state. A nil return means
// the activation may be granted.
func Certify(workers []store.WorkerInstance, candidateID string, patterns []string) error {
	overlaps := detect(workers, candidateID, patterns)
	if len(overlaps) == 0 {
		return nil
	}
	return &Error{WorkerID: candidateID, Overlaps: overlaps}
}

// Detect returns the raw overlap list without wrapping it in an error.
// The verification engine uses this form to build violations.
func Detect(workers []store.WorkerInstance, candidateID string, patterns []string) []store.PatternOverlap {
	return detect(workers, candidateID, patterns)
}

func detect(workers []store.WorkerInstance, candidateID string, patterns []string) []store.PatternOverlap {
	var overlaps []store.PatternOverlap
	for _, other := range workers {
		if other.ID == candidateID {
			continue
		}
		if _, blocking := blockingStates[other.State]; !blocking {
			continue
		}
		for _, requested := range patterns {
			for _, held := range other.Claims {
				if Overlaps(requested, held) {
					overlaps = append(overlaps, store.PatternOverlap{
						Requested: requested,
						Held:      held,
						OwnerID:   other.ID,
					})
				}
			}
		}
	}
	sort.Slice(overlaps, func(i, j int) bool {
		if overlaps[i].OwnerID != overlaps[j].OwnerID {
			return overlaps[i].OwnerID < overlaps[j].OwnerID
		}
		return overlaps[i].Requested < overlaps[j].Requested
	})
	return overlaps
}

// Overlaps reports whether two ownership patterns can match a common path.
// Patterns are path prefixes with an optional trailing wildcard: "backend/*"
// covers everything under backend/, so it overlaps "backend/api/*" and the
// exact path "backend/server.go".
func Overlaps(a, b string) bool {
	pa, wildA := patternPrefix(a)
	pb, wildB := patternPrefix(b)
	if pa == "" || pb == "" {
		// A bare "*" claims everything.
		return wildA || wildB
	}
	if pa == pb {
		return true
	}
	if wildA && strings.HasPrefix(pb, pa+"/") {
		return true
	}
	if wildB && strings.HasPrefix(pa, pb+"/") {
		return true
	}
	return false
}

// patternPrefix reduces a pattern to its literal path prefix and reports
// whether the pattern had a wildcard tail.
func patternPrefix(pattern string) (string, bool) {
	trimmed := strings.TrimSpace(pattern)
	wild := false
	if idx := strings.IndexByte(trimmed, '*'); idx >= 0 {
		trimmed = trimmed[:idx]
		wild = true
	}
	return strings.Trim(trimmed, "/"), wild
}
