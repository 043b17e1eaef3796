package schemas

import (
	"time"
)

// -- Finding Schemas --

// Severity represents the severity level of a POC finding. The values are
// lowercase to align with the findings table.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ParseSeverity maps a catalog string onto a Severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return Severity(s)
	}
	return SeverityMedium
}

// SemanticType classifies where a payload variable's value may originate.
type SemanticType string

const (
	SemanticWindowLocation SemanticType = "RD_WIN_LOC"
	SemanticDOMTree        SemanticType = "RD_DOM_TREE"
	SemanticCookie         SemanticType = "RD_COOKIE"
	SemanticWebStorage     SemanticType = "RD_WEB_STORAGE"
	SemanticPostMessage    SemanticType = "RD_PM"
	SemanticDocReferrer    SemanticType = "RD_DOC_REF"
	SemanticWindowName     SemanticType = "RD_WIN_NAME"
	SemanticNonReachable   SemanticType = "NON_REACHABLE"
)

// PayloadVariable is a program variable entangled with a POC's PAYLOAD slot.
type PayloadVariable struct {
	Name   string   `json:"name"`
	NodeID string   `json:"node_id"`
	Values []string `json:"values,omitempty"`
}

// Finding is one instantiation of a POC template in an analyzed page.
type Finding struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	Page  string `json:"page"`

	POCID       string   `json:"poc_id"`
	Library     string   `json:"library,omitempty"`
	CVE         string   `json:"cve,omitempty"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description,omitempty"`

	// Template is the POC template source.
	Template string `json:"template"`
	// NodeID is the statement-level node where the full tag set was reached.
	NodeID string `json:"node_id"`
	// Statement is the reconstructed source of that statement.
	Statement string   `json:"statement"`
	Location  Location `json:"location"`
	Tags      []string `json:"tags"`

	PayloadVariables []PayloadVariable `json:"payload_variables,omitempty"`
	SemanticTypes    []SemanticType    `json:"semantic_types"`

	ObservedAt time.Time `json:"observed_at"`
}
