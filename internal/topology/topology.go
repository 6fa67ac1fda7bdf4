// Package topology is the world-topology oracle spec section 1 keeps
// outside the core: classifying zone ids into playground vs street branch,
// computing the branch zone of a street zone, and loading the
// vis_group -> visible_zones assignments for a street branch (the
// visibility file reader). Both are named out-of-scope external
// collaborators; this package gives them minimal concrete bodies so the
// CA's interest protocol (spec section 4.3.3) has a real implementation to
// call.
package topology

// QuietZone is the sentinel zone id that never carries player avatars and
// is always a member of a client's interest set (spec section 3).
const QuietZone uint32 = 1

// branchWidth is the number of zone ids reserved per street branch; a
// street zone's branch is found by truncating to this boundary, matching
// the original DNA convention of 100 sub-zones per branch.
const branchWidth = 100

// playgroundThreshold marks the boundary between playground zone ids
// (below) and street zone ids (at or above); real deployments configure
// this per-playground, but a single global threshold is sufficient for the
// core's needs and matches the simplest original-source configuration.
const playgroundThreshold = 1000

// IsStreet reports whether zone is a street-branch zone as opposed to a
// playground zone.
func IsStreet(zone uint32) bool {
	return zone >= playgroundThreshold && zone != QuietZone
}

// BranchZone returns the branch a street zone belongs to by discarding the
// within-branch low bits (spec section 4.3.3 step 1).
func BranchZone(zone uint32) uint32 {
	if !IsStreet(zone) {
		return zone
	}
	return (zone / branchWidth) * branchWidth
}

// VisGroup maps a street zone to the set of zones visible from it
// (including itself), as loaded from a branch's visibility file.
type VisGroup map[uint32][]uint32

// VisReader loads the vis_group -> visible_zones assignments for a given
// street branch (spec section 1, "visibility file reader"; section 4.3.3,
// "lazily load the branch's visibility file").
type VisReader interface {
	Load(branchZone uint32) (VisGroup, error)
}

// MemVisReader is an in-memory VisReader, used for tests and as the
// default when no on-disk visibility data is configured.
type MemVisReader struct {
	byBranch map[uint32]VisGroup
}

// NewMemVisReader builds a reader over a fixed set of branch -> vis-group
// assignments.
func NewMemVisReader(byBranch map[uint32]VisGroup) *MemVisReader {
	if byBranch == nil {
		byBranch = make(map[uint32]VisGroup)
	}
	return &MemVisReader{byBranch: byBranch}
}

func (r *MemVisReader) Load(branchZone uint32) (VisGroup, error) {
	vg, ok := r.byBranch[branchZone]
	if !ok {
		return VisGroup{}, nil
	}
	return vg, nil
}

// EffectiveInterest computes the zones a client should subscribe given it
// is now at zone `zone` within vis group vg (spec section 4.3.3 step 2):
// playgrounds see only themselves plus the quiet zone; streets see their
// vis-group's visible zones plus the branch zone plus the quiet zone.
func EffectiveInterest(zone uint32, vg VisGroup) map[uint32]struct{} {
	out := map[uint32]struct{}{QuietZone: {}}
	if !IsStreet(zone) {
		out[zone] = struct{}{}
		return out
	}
	out[BranchZone(zone)] = struct{}{}
	out[zone] = struct{}{}
	for _, v := range vg[zone] {
		out[v] = struct{}{}
	}
	return out
}
