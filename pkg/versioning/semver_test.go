package versioning

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSemVer(t *testing.T) {
	v, err := ParseSemVer("1.2.3-alpha.1+build.5")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Major())
	assert.Equal(t, uint64(2), v.Minor())
	assert.Equal(t, uint64(3), v.Patch())
	assert.Equal(t, "alpha.1", v.Prerelease())
	assert.Equal(t, "build.5", v.Build())
	assert.Equal(t, "1.2.3-alpha.1+build.5", v.String())
}

func TestParseSemVer_Invalid(t *testing.T) {
	for _, raw := range []string{"", "1", "1.2", "v1.2.3", "1.2.3.4", "not-a-version"} {
		_, err := ParseSemVer(raw)
		assert.Error(t, err, "input %q", raw)
	}
}

func TestSemVer_Ordering(t *testing.T) {
	// Transitivity along the canonical chain.
	chain := []string{"0.9.0", "1.0.0-alpha", "1.0.0-alpha.1", "1.0.0-beta", "1.0.0", "1.0.1", "1.1.0", "2.0.0"}
	for i := 0; i < len(chain)-1; i++ {
		a := MustSemVer(chain[i])
		b := MustSemVer(chain[i+1])
		assert.True(t, a.LessThan(b), "%s < %s", chain[i], chain[i+1])
	}

	assert.True(t, MustSemVer("1.0.0-alpha").LessThan(MustSemVer("1.0.0")))
	assert.True(t, MustSemVer("1.0.0").LessThan(MustSemVer("1.0.1")))
}

func TestSemVer_PrereleaseNumericComparison(t *testing.T) {
	assert.True(t, MustSemVer("1.0.0-alpha.2").LessThan(MustSemVer("1.0.0-alpha.10")))
}

func TestSemVer_Bump(t *testing.T) {
	base := MustSemVer("1.2.3-rc.1")

	major, err := base.Bump(BumpMajor)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", major.String())

	minor, err := base.Bump(BumpMinor)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", minor.String())

	patch, err := MustSemVer("1.2.3").Bump(BumpPatch)
	require.NoError(t, err)
	assert.Equal(t, "1.2.4", patch.String())

	// Bumps are value operations; the receiver is unchanged.
	assert.Equal(t, "1.2.3-rc.1", base.String())

	_, err = base.Bump("bogus")
	assert.Error(t, err)
}

func TestSemVer_CompatibleWith(t *testing.T) {
	assert.True(t, MustSemVer("1.4.0").CompatibleWith(MustSemVer("1.0.0")))
	assert.False(t, MustSemVer("2.0.0").CompatibleWith(MustSemVer("1.9.9")))

	// Major zero: minor acts as the breaking boundary.
	assert.True(t, MustSemVer("0.3.2").CompatibleWith(MustSemVer("0.3.0")))
	assert.False(t, MustSemVer("0.4.0").CompatibleWith(MustSemVer("0.3.0")))
}

func TestSemVer_JSONRoundTrip(t *testing.T) {
	original := MustSemVer("1.2.3-beta.4+exp")

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.JSONEq(t, `"1.2.3-beta.4+exp"`, string(data))

	var decoded SemVer
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, original.Equal(decoded))
	assert.Equal(t, original.String(), decoded.String())
}
