package quality

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of one rule evaluation.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
	StatusWarning Status = "Warning"
	StatusAborted Status = "Aborted"
)

// Icon is the report marker for a status.
func (s Status) Icon() string {
	switch s {
	case StatusSuccess:
		return "✅"
	case StatusFailed:
		return "❌"
	case StatusWarning:
		return "⚠️"
	case StatusAborted:
		return "🚫"
	}
	return "❓"
}

// ErrorKind classifies why a rule was Aborted.
type ErrorKind string

const (
	ErrorKindMalformedInput ErrorKind = "malformed_input"
	ErrorKindMalformedDate  ErrorKind = "malformed_date"
	ErrorKindUnexpected     ErrorKind = "unexpected"
)

// MaxMessageLength bounds RuleResult.Message.
const MaxMessageLength = 1024

// RuleResult is the immutable outcome of evaluating one rule.
type RuleResult struct {
	// Timestamp is milliseconds since the Unix epoch at evaluation time.
	Timestamp int64     `json:"timestamp"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// ResultEntry is one (rule, document) result inside a ResultSet.
type ResultEntry struct {
	Key        string     `json:"key"`
	Rule       string     `json:"rule"`
	DocumentID string     `json:"document_id,omitempty"`
	Result     RuleResult `json:"result"`
}

// ResultSet keeps results in evaluation order.
type ResultSet []ResultEntry

// ResultKey composes the key of a per-document result.
func ResultKey(rule, documentID string) string {
	if documentID == "" {
		return rule
	}
	return rule + "_" + documentID
}

// MissingDocumentID stands in for the id of the sampled document at index
// when the document has none, keeping result keys unique within a run.
func MissingDocumentID(index int) string {
	return "unknown-" + strconv.Itoa(index)
}

// Add appends a result for rule evaluated against documentID. An empty
// documentID marks an aggregate result.
func (rs *ResultSet) Add(rule, documentID string, r RuleResult) {
	*rs = append(*rs, ResultEntry{
		Key:        ResultKey(rule, documentID),
		Rule:       rule,
		DocumentID: documentID,
		Result:     r,
	})
}

// Get returns the first result stored under key.
func (rs ResultSet) Get(key string) (RuleResult, bool) {
	for _, e := range rs {
		if e.Key == key {
			return e.Result, true
		}
	}
	return RuleResult{}, false
}

// StatusCounts tallies results per status.
type StatusCounts struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Warning int `json:"warning"`
	Aborted int `json:"aborted"`
}

// Counts tallies the set by status.
func (rs ResultSet) Counts() StatusCounts {
	c := StatusCounts{Total: len(rs)}
	for _, e := range rs {
		switch e.Result.Status {
		case StatusSuccess:
			c.Success++
		case StatusFailed:
			c.Failed++
		case StatusWarning:
			c.Warning++
		case StatusAborted:
			c.Aborted++
		}
	}
	return c
}

// ParameterDefinition declares one parameter accepted by a rule.
type ParameterDefinition struct {
	Name        string `json:"name"`
	DataType    string `json:"dataType"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// RuleDefinition is a catalogued test definition.
type RuleDefinition struct {
	ID                  uuid.UUID             `json:"id"`
	Name                string                `json:"name"`
	DisplayName         string                `json:"displayName"`
	Description         string                `json:"description"`
	EntityType          string                `json:"entityType"`
	TestPlatforms       []string              `json:"testPlatforms"`
	ParameterDefinition []ParameterDefinition `json:"parameterDefinition"`
	FullyQualifiedName  string                `json:"fullyQualifiedName"`
	UpdatedAt           time.Time             `json:"updatedAt"`
}

// Table is the catalogued table entity a resource collection maps to.
type Table struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	DisplayName        string    `json:"displayName,omitempty"`
	FullyQualifiedName string    `json:"fullyQualifiedName"`
	ResourceType       string    `json:"resourceType,omitempty"`
}

// DisplayNameOrName prefers the display name.
func (t *Table) DisplayNameOrName() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.Name
}

// TestSuite groups the test cases of one table.
type TestSuite struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	DisplayName        string    `json:"displayName"`
	Description        string    `json:"description"`
	Executable         bool      `json:"executable"`
	TableID            uuid.UUID `json:"tableId"`
	FullyQualifiedName string    `json:"fullyQualifiedName"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// ParameterValue binds a value to a declared rule parameter.
type ParameterValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TestCase binds a RuleDefinition to a suite and a table.
type TestCase struct {
	ID                 uuid.UUID        `json:"id"`
	Name               string           `json:"name"`
	DisplayName        string           `json:"displayName"`
	Description        string           `json:"description"`
	TestDefinition     string           `json:"testDefinition"`
	EntityLink         string           `json:"entityLink"`
	TestSuite          string           `json:"testSuite"`
	ParameterValues    []ParameterValue `json:"parameterValues"`
	FullyQualifiedName string           `json:"fullyQualifiedName"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// StoredResult is a persisted run result.
type StoredResult struct {
	ID           uuid.UUID  `json:"id"`
	RunID        uuid.UUID  `json:"runId"`
	TestSuite    string     `json:"testSuite"`
	ResourceType string     `json:"resourceType"`
	Key          string     `json:"key"`
	Rule         string     `json:"rule"`
	DocumentID   string     `json:"documentId,omitempty"`
	Result       RuleResult `json:"result"`
	CreatedAt    time.Time  `json:"createdAt"`
}
