package quality

import (
	"errors"
	"fmt"

	"github.com/ehr/quality/internal/platform/fhir"
	"github.com/ehr/quality/pkg/fhirmodels"
)

// Rule names as registered in the catalog.
const (
	RulePatientIdentifier   = "patientIdentifierValidation"
	RuleDateConsistency     = "dateConsistencyCheck"
	RuleCodingStandards     = "codingStandardsValidation"
	RuleReferenceIntegrity  = "referenceIntegrityCheck"
	RulePHICompleteness     = "phiCompletenessCheck"
	RuleObservationRange    = "observationValueRangeCheck"
	RuleEncounterTransition = "encounterStatusTransitionCheck"
)

// Rule parameter names.
const (
	ParamResourceType = "resourceType"
	ParamFieldName    = "fieldName"
)

const (
	TestPlatformOpenMetadata = "OpenMetadata"
	EntityTypeTable          = "TABLE"
	DataTypeString           = "STRING"

	// DefaultCodingField is the field coding rules read when no mapping applies.
	DefaultCodingField = "code"
)

// ErrUnknownRule is returned for a rule name outside the registered set.
var ErrUnknownRule = errors.New("unknown rule")

var resourceTypeParam = ParameterDefinition{
	Name:        ParamResourceType,
	DataType:    DataTypeString,
	Required:    true,
	Description: "FHIR resource type the rule is evaluated against",
}

// definitions is the fixed set of rule definitions in registration order.
var definitions = []RuleDefinition{
	{
		Name:        RulePatientIdentifier,
		DisplayName: "Patient Identifier Validation",
		Description: "Validates that Patient resources carry identifiers, including a Medical Record Number, each with a system and a value",
	},
	{
		Name:                RuleDateConsistency,
		DisplayName:         "Date Consistency Check",
		Description:         "Validates that date fields are logically consistent and not in the future",
		ParameterDefinition: []ParameterDefinition{resourceTypeParam},
	},
	{
		Name:        RuleCodingStandards,
		DisplayName: "Coding Standards Validation",
		Description: "Validates that codings use a recognised terminology system (SNOMED CT, LOINC, ICD-10, ICD-10-CM, RxNorm)",
		ParameterDefinition: []ParameterDefinition{{
			Name:        ParamFieldName,
			DataType:    DataTypeString,
			Required:    true,
			Description: "Name of the CodeableConcept field to validate",
		}},
	},
	{
		Name:        RuleReferenceIntegrity,
		DisplayName: "Reference Integrity Check",
		Description: "Validates that resource references are well formed and target a known resource type",
	},
	{
		Name:                RulePHICompleteness,
		DisplayName:         "PHI Completeness Check",
		Description:         "Validates that the protected health information fields required for the resource type are populated",
		ParameterDefinition: []ParameterDefinition{resourceTypeParam},
	},
	{
		Name:        RuleObservationRange,
		DisplayName: "Observation Value Range Check",
		Description: "Validates that observation values fall inside clinically plausible ranges",
	},
	{
		Name:        RuleEncounterTransition,
		DisplayName: "Encounter Status Transition Check",
		Description: "Validates that consecutive encounter statuses follow the allowed lifecycle",
	},
}

// Definitions returns the rule definitions with catalog metadata filled in.
func Definitions() []RuleDefinition {
	out := make([]RuleDefinition, len(definitions))
	for i, d := range definitions {
		d.EntityType = EntityTypeTable
		d.TestPlatforms = []string{TestPlatformOpenMetadata}
		d.FullyQualifiedName = d.Name
		if d.ParameterDefinition == nil {
			d.ParameterDefinition = []ParameterDefinition{}
		} else {
			d.ParameterDefinition = append([]ParameterDefinition(nil), d.ParameterDefinition...)
		}
		out[i] = d
	}
	return out
}

// applicability lists the rules bound to each resource type, in order.
var applicability = map[string][]string{
	fhirmodels.ResourcePatient:      {RulePatientIdentifier, RuleDateConsistency, RuleReferenceIntegrity, RulePHICompleteness},
	fhirmodels.ResourceEncounter:    {RuleDateConsistency, RuleReferenceIntegrity, RuleEncounterTransition},
	fhirmodels.ResourceObservation:  {RuleCodingStandards, RuleReferenceIntegrity, RuleObservationRange},
	fhirmodels.ResourceCondition:    {RuleCodingStandards, RuleReferenceIntegrity, RuleDateConsistency},
	fhirmodels.ResourceProcedure:    {RuleCodingStandards, RuleReferenceIntegrity, RuleDateConsistency},
	fhirmodels.ResourceMedication:   {RuleCodingStandards, RuleReferenceIntegrity},
	fhirmodels.ResourcePractitioner: {RulePHICompleteness, RuleReferenceIntegrity},
	fhirmodels.ResourceOrganization: {RulePHICompleteness, RuleReferenceIntegrity},
}

// ApplicableRules returns the rules bound to resourceType. Unlisted types get
// the reference integrity check only.
func ApplicableRules(resourceType string) []string {
	rules, ok := applicability[resourceType]
	if !ok {
		return []string{RuleReferenceIntegrity}
	}
	return append([]string(nil), rules...)
}

var codingFields = map[string]string{
	fhirmodels.ResourceObservation: "code",
	fhirmodels.ResourceCondition:   "code",
	fhirmodels.ResourceProcedure:   "code",
	fhirmodels.ResourceMedication:  "code",
}

// CodingField returns the CodeableConcept field coding rules read for resourceType.
func CodingField(resourceType string) string {
	if f, ok := codingFields[resourceType]; ok {
		return f
	}
	return DefaultCodingField
}

// ParameterValues returns the parameter bindings of rule for a test case on
// resourceType.
func ParameterValues(rule, resourceType string) []ParameterValue {
	switch rule {
	case RuleDateConsistency, RulePHICompleteness:
		return []ParameterValue{{Name: ParamResourceType, Value: resourceType}}
	case RuleCodingStandards:
		return []ParameterValue{{Name: ParamFieldName, Value: CodingField(resourceType)}}
	}
	return []ParameterValue{}
}

// Check is a single-document rule with its parameters bound.
type Check struct {
	Rule     string
	Evaluate func(fhir.Document) RuleResult
}

// NewCheck binds a single-document rule to its parameters. Missing parameters
// fall back to resourceType and the coding field for it.
// The sequence-level transition rule has no single-document form.
func NewCheck(rule, resourceType, fieldName string) (Check, error) {
	if fieldName == "" {
		fieldName = CodingField(resourceType)
	}

	var eval func(fhir.Document) RuleResult
	switch rule {
	case RulePatientIdentifier:
		eval = ValidatePatientIdentifier
	case RuleDateConsistency:
		eval = func(d fhir.Document) RuleResult { return ValidateDateConsistency(d, resourceType) }
	case RuleCodingStandards:
		eval = func(d fhir.Document) RuleResult { return ValidateCodingStandards(d, fieldName) }
	case RuleReferenceIntegrity:
		eval = ValidateReferenceIntegrity
	case RulePHICompleteness:
		eval = func(d fhir.Document) RuleResult { return ValidatePHICompleteness(d, resourceType) }
	case RuleObservationRange:
		eval = ValidateObservationValues
	case RuleEncounterTransition:
		return Check{}, fmt.Errorf("%s evaluates a sequence of encounters", rule)
	default:
		return Check{}, fmt.Errorf("%w: %s", ErrUnknownRule, rule)
	}
	return Check{Rule: rule, Evaluate: eval}, nil
}

// executionPlan returns the per-document checks run for resourceType and
// whether the sequence-level transition check runs over the whole sample.
func executionPlan(resourceType string) ([]Check, bool) {
	must := func(rule string) Check {
		c, err := NewCheck(rule, resourceType, DefaultCodingField)
		if err != nil {
			panic(err)
		}
		return c
	}

	switch resourceType {
	case fhirmodels.ResourcePatient:
		return []Check{
			must(RulePatientIdentifier),
			must(RuleDateConsistency),
			must(RulePHICompleteness),
			must(RuleReferenceIntegrity),
		}, false
	case fhirmodels.ResourceEncounter:
		return []Check{
			must(RuleDateConsistency),
			must(RuleReferenceIntegrity),
		}, true
	case fhirmodels.ResourceObservation:
		return []Check{
			must(RuleCodingStandards),
			must(RuleObservationRange),
			must(RuleReferenceIntegrity),
		}, false
	}
	return []Check{must(RuleReferenceIntegrity)}, false
}
