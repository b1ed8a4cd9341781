package models

import "fmt"

// ConceptLabel is the label of the external concept vocabulary nodes that
// concept links point at. The pipeline never creates these nodes.
const ConceptLabel = "NCIT"

// LinkType describes one link table and the relationship it projects to.
type LinkType struct {
	Table        string
	From         Kind
	To           Kind // empty for concept links
	Relationship string
}

// IsConcept reports whether the link targets the external concept vocabulary.
func (lt LinkType) IsConcept() bool {
	return lt.To == ""
}

// FromColumns returns the link table columns holding the source reference.
func (lt LinkType) FromColumns() (code, version string) {
	p := lt.From.Table()
	return p + "_code", p + "_version"
}

// ToColumns returns the link table columns holding the target reference.
// Concept links have no version column.
func (lt LinkType) ToColumns() (code, version string) {
	if lt.IsConcept() {
		return "concept_code", ""
	}
	p := lt.To.Table()
	return p + "_code", p + "_version"
}

// TargetLabel is the graph label of the link target.
func (lt LinkType) TargetLabel() string {
	if lt.IsConcept() {
		return ConceptLabel
	}
	return string(lt.To)
}

func (lt LinkType) String() string {
	return lt.Table
}

var (
	LinkCDEVDM = LinkType{Table: "cde_vdm", From: KindCDE, To: KindVDM, Relationship: "HAS_VDM"}
	LinkCDEDEC = LinkType{Table: "cde_dec", From: KindCDE, To: KindDEC, Relationship: "HAS_DEC"}
	LinkVDMPV  = LinkType{Table: "vdm_pv", From: KindVDM, To: KindPV, Relationship: "HAS_PV"}
	LinkDECPR  = LinkType{Table: "dec_pr", From: KindDEC, To: KindPR, Relationship: "HAS_PR"}
	LinkDECOC  = LinkType{Table: "dec_oc", From: KindDEC, To: KindOC, Relationship: "HAS_OC"}

	LinkOCConcept = LinkType{Table: "oc_ncit", From: KindOC, Relationship: "HAS_CONCEPT"}
	LinkPRConcept = LinkType{Table: "pr_ncit", From: KindPR, Relationship: "HAS_CONCEPT"}
	LinkPVConcept = LinkType{Table: "pv_ncit", From: KindPV, Relationship: "HAS_CONCEPT"}
)

// AllLinkTypes lists every link table in load order.
var AllLinkTypes = []LinkType{
	LinkCDEVDM, LinkCDEDEC, LinkVDMPV, LinkDECPR, LinkDECOC,
	LinkOCConcept, LinkPRConcept, LinkPVConcept,
}

// LinkBetween returns the entity-to-entity link type for a parent/child pair.
func LinkBetween(parent, child Kind) (LinkType, bool) {
	for _, lt := range AllLinkTypes {
		if !lt.IsConcept() && lt.From == parent && lt.To == child {
			return lt, true
		}
	}
	return LinkType{}, false
}

// ConceptLinkFor returns the concept link type for kind, if it has one.
func ConceptLinkFor(kind Kind) (LinkType, bool) {
	for _, lt := range AllLinkTypes {
		if lt.IsConcept() && lt.From == kind {
			return lt, true
		}
	}
	return LinkType{}, false
}

// ParseLinkType resolves a link table name.
func ParseLinkType(table string) (LinkType, error) {
	for _, lt := range AllLinkTypes {
		if lt.Table == table {
			return lt, nil
		}
	}
	return LinkType{}, fmt.Errorf("unknown link table %q", table)
}

// Link is one row of a link table. For concept links To.Version is empty
// and To.Code holds the concept code.
type Link struct {
	From Ref `json:"from"`
	To   Ref `json:"to"`
}

// Key renders the link as a stable identifier for logs and the failure ledger.
func (l Link) Key(lt LinkType) string {
	if lt.IsConcept() {
		return fmt.Sprintf("%s:%s->%s", lt.Table, l.From, l.To.Code)
	}
	return fmt.Sprintf("%s:%s->%s", lt.Table, l.From, l.To)
}
