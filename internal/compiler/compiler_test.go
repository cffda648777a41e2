package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dccp/internal/core"
)

func TestCompileGenerationLimitByTier(t *testing.T) {
	low, err := Compile("Hello World", core.TierLowest, "", "")
	require.NoError(t, err)
	assert.Equal(t, core.LimitStrictContext, low.GenerationLimit())

	mid, err := Compile("Hello World", core.TierMid, "", "")
	require.NoError(t, err)
	assert.Equal(t, core.LimitAutoEvolve, mid.GenerationLimit())

	high, err := Compile("Hello World", core.TierHighest, "", "")
	require.NoError(t, err)
	assert.Equal(t, core.LimitAutoEvolve, high.GenerationLimit())
}

func TestCompileFingerprintAndIDs(t *testing.T) {
	a, err := Compile("build a parser", core.TierMid, "", "")
	require.NoError(t, err)
	b, err := Compile("build a parser", core.TierMid, "", "")
	require.NoError(t, err)
	c, err := Compile("build a lexer", core.TierMid, "", "")
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Len(t, a.Fingerprint(), 16)
	assert.Equal(t, Fingerprint("build a parser"), a.Fingerprint())
}

func TestCompileDefaults(t *testing.T) {
	p, err := Compile("write docs", core.TierMid, "docs/readme.md", "")
	require.NoError(t, err)

	assert.Equal(t, core.ZoneStaging, p.Zone())
	assert.Equal(t, "docs/readme.md", p.TargetPath())
	assert.Contains(t, p.Payload(), "write docs")
	assert.Contains(t, p.Payload(), "# DCCP PROTOCOL v1.0 - SOVEREIGN DIRECTIVE")
	assert.Equal(t, []string{ConstraintPhysicalHook, ConstraintZeroPlaceholder, ConstraintStrictJSON}, p.Constraints())
	assert.True(t, p.RequiresStrictJSON())
	assert.Len(t, p.ShortID(), 8)
}

func TestCompileConstraintsAreCopied(t *testing.T) {
	p, err := Compile("anything", core.TierMid, "", core.ZoneProduction)
	require.NoError(t, err)

	cs := p.Constraints()
	cs[0] = "MUTATED"
	assert.Equal(t, ConstraintPhysicalHook, p.Constraints()[0])
	assert.Equal(t, core.ZoneProduction, p.Zone())
}

func TestCompileRejectsEmptyIntent(t *testing.T) {
	_, err := Compile("   ", core.TierMid, "", "")
	assert.ErrorIs(t, err, ErrEmptyIntent)
}
