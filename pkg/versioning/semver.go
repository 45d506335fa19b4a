package versioning

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SemVer is an immutable semantic version. Bump operations return new
// values; the zero value is invalid and Parse is the only constructor.
type SemVer struct {
	v *semver.Version
}

// ParseSemVer parses a strict SemVer 2.0.0 string.
func ParseSemVer(s string) (SemVer, error) {
	v, err := semver.StrictNewVersion(s)
	if err != nil {
		return SemVer{}, fmt.Errorf("invalid semantic version %q: %w", s, err)
	}
	return SemVer{v: v}, nil
}

// MustSemVer parses s and panics on failure. For constants and tests.
func MustSemVer(s string) SemVer {
	v, err := ParseSemVer(s)
	if err != nil {
		panic(err)
	}
	return v
}

// InitialVersion is where a workflow's history starts.
func InitialVersion() SemVer { return MustSemVer("1.0.0") }

func (s SemVer) Major() uint64      { return s.v.Major() }
func (s SemVer) Minor() uint64      { return s.v.Minor() }
func (s SemVer) Patch() uint64      { return s.v.Patch() }
func (s SemVer) Prerelease() string { return s.v.Prerelease() }
func (s SemVer) Build() string      { return s.v.Metadata() }

// String renders the canonical form.
func (s SemVer) String() string {
	if s.v == nil {
		return "0.0.0"
	}
	return s.v.String()
}

// Compare returns -1, 0, or 1. Precedence follows SemVer 2.0.0: build
// metadata is ignored, pre-release sorts before the release it precedes.
func (s SemVer) Compare(o SemVer) int { return s.v.Compare(o.v) }

func (s SemVer) LessThan(o SemVer) bool { return s.Compare(o) < 0 }
func (s SemVer) Equal(o SemVer) bool    { return s.Compare(o) == 0 }

// BumpType selects which component a new version increments.
type BumpType string

const (
	BumpMajor BumpType = "major"
	BumpMinor BumpType = "minor"
	BumpPatch BumpType = "patch"
)

// Bump returns a new version with the selected component incremented and
// lower components reset. Pre-release and build metadata are dropped.
func (s SemVer) Bump(t BumpType) (SemVer, error) {
	switch t {
	case BumpMajor:
		v := s.v.IncMajor()
		return SemVer{v: &v}, nil
	case BumpMinor:
		v := s.v.IncMinor()
		return SemVer{v: &v}, nil
	case BumpPatch:
		v := s.v.IncPatch()
		return SemVer{v: &v}, nil
	default:
		return SemVer{}, fmt.Errorf("unknown bump type %q", t)
	}
}

// CompatibleWith reports whether s can substitute for o: same major, and
// same minor as well while the major is 0.
func (s SemVer) CompatibleWith(o SemVer) bool {
	if s.Major() != o.Major() {
		return false
	}
	if s.Major() == 0 {
		return s.Minor() == o.Minor()
	}
	return true
}

// MarshalJSON encodes the version as its canonical string.
func (s SemVer) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes from the canonical string form.
func (s *SemVer) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSemVer(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
