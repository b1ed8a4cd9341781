package ingestion

import (
	"strings"

	"github.com/rohankatakam/cdegraph/internal/models"
)

// RecordStatus says whether a parsed record may be stored.
type RecordStatus int

const (
	StatusAccepted RecordStatus = iota
	StatusRejected              // malformed or missing code/version
	StatusFiltered              // excluded by a source filter
)

func (s RecordStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusFiltered:
		return "filtered"
	}
	return "unknown"
}

// Record is one recognized entity inside a fragment, with the entities
// nested under it. A filtered record has no children: its subtree is
// dropped with it.
type Record struct {
	Kind     models.Kind
	Status   RecordStatus
	Reason   string
	Entity   *models.Entity
	Concepts []string
	Children []*Record
	Source   string // file:ordinal of the enclosing fragment
}

// Walk visits r and every descendant depth-first, parent before children.
func (r *Record) Walk(fn func(parent, rec *Record) error) error {
	return r.walk(nil, fn)
}

func (r *Record) walk(parent *Record, fn func(parent, rec *Record) error) error {
	if err := fn(parent, r); err != nil {
		return err
	}
	for _, c := range r.Children {
		if err := c.walk(r, fn); err != nil {
			return err
		}
	}
	return nil
}

// Attribute names used in a FieldMap.
const (
	AttrCode          = "code"
	AttrVersion       = "version"
	AttrTerm          = "term"
	AttrDefinition    = "definition"
	AttrContext       = "context"
	AttrShortName     = "short_name"
	AttrConceptCode   = "concept_code"
	AttrConceptOrigin = "concept_origin"
)

// FieldMap maps each canonical attribute to the source tags that may carry
// it, in priority order.
type FieldMap map[string][]string

// DefaultKindTags maps upper-cased source tags to entity kinds.
var DefaultKindTags = map[string]models.Kind{
	"DATAELEMENT":            models.KindCDE,
	"DATAELEMENTCONCEPT":     models.KindDEC,
	"VALUEDOMAIN":            models.KindVDM,
	"OBJECTCLASS":            models.KindOC,
	"PROPERTY":               models.KindPR,
	"PERMISSIBLEVALUES_ITEM": models.KindPV,
}

var commonFields = FieldMap{
	AttrCode:       {"PUBLICID", "PUBLIC_ID"},
	AttrVersion:    {"VERSION"},
	AttrTerm:       {"LONGNAME", "LONG_NAME"},
	AttrDefinition: {"PREFERREDDEFINITION", "PREFERRED_DEFINITION"},
	AttrContext:    {"CONTEXTNAME", "CONTEXT_NAME"},
	AttrShortName:  {"PREFERREDNAME", "PREFERRED_NAME"},
}

// DefaultFieldMaps returns the per-kind field maps for the caDSR export.
func DefaultFieldMaps() map[models.Kind]FieldMap {
	maps := make(map[models.Kind]FieldMap, len(models.AllKinds))
	for _, kind := range models.AllKinds {
		fm := make(FieldMap, len(commonFields))
		for attr, aliases := range commonFields {
			fm[attr] = append([]string(nil), aliases...)
		}
		maps[kind] = fm
	}
	maps[models.KindPV] = FieldMap{
		AttrCode:          {"VMPUBLICID"},
		AttrVersion:       {"VMVERSION"},
		AttrTerm:          {"VALUEMEANING"},
		AttrDefinition:    {"MEANINGDESCRIPTION", "VMDESCRIPTION"},
		AttrShortName:     {"VALIDVALUE"},
		AttrConceptCode:   {"MEANINGCONCEPTS"},
		AttrConceptOrigin: {"MEANINGCONCEPTORIGIN"},
	}
	return maps
}

// MapperOptions controls record recognition.
type MapperOptions struct {
	SkipRetired    bool
	EnumeratedOnly bool
	// ConceptOrigin must appear in a PV's concept origin for its concept
	// codes to become links. Empty accepts any origin.
	ConceptOrigin string
	// ExtraAliases are tried before the defaults: kind -> attribute -> tags.
	ExtraAliases map[models.Kind]FieldMap
}

// Mapper turns element trees into Record trees.
type Mapper struct {
	opts   MapperOptions
	tags   map[string]models.Kind
	fields map[models.Kind]FieldMap
}

// NewMapper builds a mapper with the default tag and field maps.
func NewMapper(opts MapperOptions) *Mapper {
	fields := DefaultFieldMaps()
	for kind, extra := range opts.ExtraAliases {
		fm, ok := fields[kind]
		if !ok {
			continue
		}
		for attr, aliases := range extra {
			upper := make([]string, 0, len(aliases))
			for _, a := range aliases {
				upper = append(upper, strings.ToUpper(a))
			}
			fm[attr] = append(upper, fm[attr]...)
		}
	}
	return &Mapper{opts: opts, tags: DefaultKindTags, fields: fields}
}

// RootTags returns the tags that start a record fragment.
func (m *Mapper) RootTags() map[string]bool {
	roots := make(map[string]bool, len(m.tags))
	for tag := range m.tags {
		roots[tag] = true
	}
	return roots
}

// Map converts an element tree into the records it contains.
func (m *Mapper) Map(el *Element, source string) []*Record {
	kind, ok := m.tags[el.Name]
	if !ok {
		var out []*Record
		for _, c := range el.Children {
			out = append(out, m.Map(c, source)...)
		}
		return out
	}

	rec := &Record{Kind: kind, Source: source}
	e := m.entity(kind, el)
	if err := e.Validate(); err != nil {
		rec.Status = StatusRejected
		rec.Reason = err.Error()
	} else if reason, filtered := m.filtered(kind, el); filtered {
		rec.Status = StatusFiltered
		rec.Reason = reason
		rec.Entity = e
		return []*Record{rec}
	} else {
		rec.Entity = e
		rec.Concepts = m.concepts(kind, el, e)
	}

	for _, c := range el.Children {
		rec.Children = append(rec.Children, m.Map(c, source)...)
	}
	return []*Record{rec}
}

func (m *Mapper) entity(kind models.Kind, el *Element) *models.Entity {
	fm := m.fields[kind]
	e := &models.Entity{
		Type:       kind,
		Code:       el.ChildText(fm[AttrCode]...),
		Version:    el.ChildText(fm[AttrVersion]...),
		Term:       el.ChildText(fm[AttrTerm]...),
		Definition: el.ChildText(fm[AttrDefinition]...),
		Context:    el.ChildText(fm[AttrContext]...),
		ShortName:  el.ChildText(fm[AttrShortName]...),
	}
	if kind.HasConcept() {
		e.ConceptCode = el.ChildText(fm[AttrConceptCode]...)
		e.ConceptOrigin = el.ChildText(fm[AttrConceptOrigin]...)
	}
	e.Normalize()
	e.Fingerprint = e.ComputeFingerprint()
	return e
}

func (m *Mapper) filtered(kind models.Kind, el *Element) (string, bool) {
	switch kind {
	case models.KindCDE:
		if !m.opts.SkipRetired {
			return "", false
		}
		status := strings.ToUpper(el.ChildText("WORKFLOWSTATUS"))
		if status == "" {
			return "workflow status missing", true
		}
		if strings.Contains(status, "RETIRED") {
			return "retired: " + status, true
		}
	case models.KindVDM:
		if !m.opts.EnumeratedOnly {
			return "", false
		}
		vdType := el.ChildText("VALUEDOMAINTYPE")
		if !strings.EqualFold(vdType, "Enumerated") {
			return "value domain type " + quoteOrNone(vdType), true
		}
	}
	return "", false
}

// concepts extracts the external concept codes an entity links to.
func (m *Mapper) concepts(kind models.Kind, el *Element, e *models.Entity) []string {
	var codes []string
	switch kind {
	case models.KindOC, models.KindPR:
		details := el.Child("CONCEPTDETAILS")
		if details == nil {
			return nil
		}
		for _, item := range details.ChildrenNamed("CONCEPTDETAILS_ITEM") {
			codes = append(codes, item.ChildText("PREFERRED_NAME", "PREFERREDNAME"))
		}
	case models.KindPV:
		if e.ConceptCode == "" {
			return nil
		}
		if m.opts.ConceptOrigin != "" &&
			!strings.Contains(strings.ToUpper(e.ConceptOrigin), strings.ToUpper(m.opts.ConceptOrigin)) {
			return nil
		}
		codes = strings.Split(e.ConceptCode, ",")
	default:
		return nil
	}
	return dedupe(codes)
}

func dedupe(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := codes[:0]
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func quoteOrNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return `"` + s + `"`
}
