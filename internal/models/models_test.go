package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIgnoresCodeAndVersion(t *testing.T) {
	a := &Entity{Code: "C1", Version: "1", Type: KindCDE, Term: "Age", Definition: "Age at diagnosis"}
	b := &Entity{Code: "C2", Version: "3", Type: KindCDE, Term: "Age", Definition: "Age at diagnosis"}
	assert.Equal(t, a.ComputeFingerprint(), b.ComputeFingerprint())

	b.Definition = "Age at enrollment"
	assert.NotEqual(t, a.ComputeFingerprint(), b.ComputeFingerprint())
}

func TestFingerprintIncludesConceptForPV(t *testing.T) {
	a := &Entity{Code: "P1", Version: "1", Type: KindPV, Term: "Male", ConceptCode: "C20197"}
	b := &Entity{Code: "P1", Version: "1", Type: KindPV, Term: "Male", ConceptCode: "C46109"}
	assert.NotEqual(t, a.ComputeFingerprint(), b.ComputeFingerprint())
}

func TestNormalizeAndValidate(t *testing.T) {
	e := &Entity{Code: "  C1 ", Version: "", Type: KindOC, ConceptCode: "C1"}
	e.Normalize()
	assert.Equal(t, "C1", e.Code)
	assert.Empty(t, e.ConceptCode, "non-PV kinds never carry concept attributes")

	err := e.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestRefStringIsUnambiguous(t *testing.T) {
	a := Ref{Code: "A1v2", Version: "3"}
	b := Ref{Code: "A1", Version: "2v3"}
	assert.NotEqual(t, a.String(), b.String())
	assert.Equal(t, "A1@2v3", b.String())

	lt, ok := LinkBetween(KindCDE, KindVDM)
	require.True(t, ok)
	assert.Equal(t, "cde_vdm:C1@1->V1@2", Link{From: Ref{"C1", "1"}, To: Ref{"V1", "2"}}.Key(lt))
}

func TestValidateRejectsSeparator(t *testing.T) {
	for _, e := range []*Entity{
		{Code: "C1@2", Version: "1", Type: KindCDE},
		{Code: "C1", Version: "1@2", Type: KindCDE},
	} {
		err := e.Validate()
		require.Error(t, err, e.Code)
		assert.Contains(t, err.Error(), RefSeparator)
	}
	assert.NoError(t, (&Entity{Code: "C1", Version: "1.0", Type: KindCDE}).Validate())
}

func TestGraphKeyMatchesKeyFields(t *testing.T) {
	for _, kind := range AllKinds {
		e := &Entity{Code: "X", Version: "1", Type: kind}
		key := e.GraphKey()
		fields := KeyFields(kind)
		assert.Len(t, key, len(fields), kind)
		for _, f := range fields {
			assert.Contains(t, key, f, kind)
		}
	}
}

func TestLinkTypes(t *testing.T) {
	lt, ok := LinkBetween(KindVDM, KindPV)
	require.True(t, ok)
	assert.Equal(t, "vdm_pv", lt.Table)
	assert.Equal(t, "HAS_PV", lt.Relationship)

	_, ok = LinkBetween(KindPV, KindVDM)
	assert.False(t, ok)

	concept, ok := ConceptLinkFor(KindPR)
	require.True(t, ok)
	assert.True(t, concept.IsConcept())
	assert.Equal(t, ConceptLabel, concept.TargetLabel())
	code, version := concept.ToColumns()
	assert.Equal(t, "concept_code", code)
	assert.Empty(t, version)

	_, err := ParseLinkType("nope")
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" pv ")
	require.NoError(t, err)
	assert.Equal(t, KindPV, k)
	assert.Equal(t, "pv", k.Table())

	_, err = ParseKind("NCIT")
	assert.Error(t, err)
}
