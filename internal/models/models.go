package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind is one of the six controlled-vocabulary entity kinds. It doubles as
// the graph label and, lower-cased, as the relational table name.
type Kind string

const (
	KindCDE Kind = "CDE" // Common Data Element
	KindDEC Kind = "DEC" // Data Element Concept
	KindOC  Kind = "OC"  // Object Class
	KindPR  Kind = "PR"  // Property
	KindVDM Kind = "VDM" // Value Domain
	KindPV  Kind = "PV"  // Permissible Value
)

// AllKinds lists the entity kinds in load order.
var AllKinds = []Kind{KindCDE, KindDEC, KindOC, KindPR, KindVDM, KindPV}

// ParseKind resolves a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Table returns the relational table backing this kind.
func (k Kind) Table() string {
	return strings.ToLower(string(k))
}

// HasConcept reports whether rows of this kind carry concept_code/concept_origin.
func (k Kind) HasConcept() bool {
	return k == KindPV
}

// Entity is one row of an entity table. Identity is the full attribute
// tuple, not (Code, Version): the same code/version may appear on several
// rows whose other attributes differ.
type Entity struct {
	Code          string    `json:"code" db:"code"`
	Version       string    `json:"version" db:"version"`
	Type          Kind      `json:"type" db:"type"`
	Term          string    `json:"term" db:"term"`
	Definition    string    `json:"definition" db:"definition"`
	Context       string    `json:"context" db:"context"`
	ShortName     string    `json:"short_name" db:"short_name"`
	ConceptCode   string    `json:"concept_code,omitempty" db:"concept_code"`
	ConceptOrigin string    `json:"concept_origin,omitempty" db:"concept_origin"`
	Fingerprint   string    `json:"content_fingerprint" db:"content_fingerprint"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Ref returns the (code, version) reference used by links.
func (e *Entity) Ref() Ref {
	return Ref{Code: e.Code, Version: e.Version}
}

// Normalize trims surrounding whitespace from every attribute. Absent
// attributes stay as the empty string; they are never NULL.
func (e *Entity) Normalize() {
	e.Code = strings.TrimSpace(e.Code)
	e.Version = strings.TrimSpace(e.Version)
	e.Term = strings.TrimSpace(e.Term)
	e.Definition = strings.TrimSpace(e.Definition)
	e.Context = strings.TrimSpace(e.Context)
	e.ShortName = strings.TrimSpace(e.ShortName)
	if e.Type.HasConcept() {
		e.ConceptCode = strings.TrimSpace(e.ConceptCode)
		e.ConceptOrigin = strings.TrimSpace(e.ConceptOrigin)
	} else {
		e.ConceptCode = ""
		e.ConceptOrigin = ""
	}
}

// Validate checks the fields every accepted record must have.
func (e *Entity) Validate() error {
	var missing []string
	if e.Code == "" {
		missing = append(missing, "code")
	}
	if e.Version == "" {
		missing = append(missing, "version")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s record missing %s", e.Type, strings.Join(missing, " and "))
	}
	if strings.Contains(e.Code, RefSeparator) || strings.Contains(e.Version, RefSeparator) {
		return fmt.Errorf("%s record code %q or version %q contains %q", e.Type, e.Code, e.Version, RefSeparator)
	}
	return nil
}

// ComputeFingerprint hashes the normalized attributes excluding code and
// version. It detects content drift between loads and is never used as a key.
func (e *Entity) ComputeFingerprint() string {
	parts := []string{string(e.Type), e.Term, e.Definition, e.Context, e.ShortName}
	if e.Type.HasConcept() {
		parts = append(parts, e.ConceptCode, e.ConceptOrigin)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// KeyFields returns the graph property names forming the merge key for kind.
func KeyFields(kind Kind) []string {
	fields := []string{"code", "version", "type", "term", "definition", "context", "shortName"}
	if kind.HasConcept() {
		fields = append(fields, "concept_code", "concept_origin")
	}
	return fields
}

// GraphKey returns the merge key properties for this entity, aligned with KeyFields.
func (e *Entity) GraphKey() map[string]any {
	key := map[string]any{
		"code":       e.Code,
		"version":    e.Version,
		"type":       string(e.Type),
		"term":       e.Term,
		"definition": e.Definition,
		"context":    e.Context,
		"shortName":  e.ShortName,
	}
	if e.Type.HasConcept() {
		key["concept_code"] = e.ConceptCode
		key["concept_origin"] = e.ConceptOrigin
	}
	return key
}

// Ref identifies an entity version independent of its other attributes.
type Ref struct {
	Code    string `json:"code"`
	Version string `json:"version"`
}

// RefSeparator joins code and version in Ref.String. Validate rejects it
// inside either value so rendered references stay unambiguous.
const RefSeparator = "@"

func (r Ref) String() string {
	return r.Code + RefSeparator + r.Version
}

// IsZero reports whether either half of the reference is missing.
func (r Ref) IsZero() bool {
	return r.Code == "" || r.Version == ""
}
