package quality

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ehr/quality/internal/platform/fhir"
	"github.com/ehr/quality/pkg/fhirmodels"
)

// timeNow is the evaluation clock.
var timeNow = time.Now

// maxListedViolations caps how many violations a failure message names.
const maxListedViolations = 3

// validCodingSystems lists the terminology systems accepted in codings.
var validCodingSystems = map[string]string{
	fhirmodels.SystemSNOMEDCT: "SNOMED CT",
	fhirmodels.SystemLOINC:    "LOINC",
	fhirmodels.SystemICD10:    "ICD-10",
	fhirmodels.SystemICD10CM:  "ICD-10-CM",
	fhirmodels.SystemRxNorm:   "RxNorm",
}

// validReferenceTypes lists the resource types a reference may target.
var validReferenceTypes = map[string]bool{
	fhirmodels.ResourcePatient:      true,
	fhirmodels.ResourceEncounter:    true,
	fhirmodels.ResourceObservation:  true,
	fhirmodels.ResourceCondition:    true,
	fhirmodels.ResourceProcedure:    true,
	fhirmodels.ResourceMedication:   true,
	fhirmodels.ResourcePractitioner: true,
	fhirmodels.ResourceOrganization: true,
}

// requiredPHIFields lists the fields that must be populated per resource type.
// It is not the catalog PHI tagging table; the two answer different questions.
var requiredPHIFields = map[string][]string{
	fhirmodels.ResourcePatient:      {"name", "telecom", "address", "birthDate"},
	fhirmodels.ResourcePractitioner: {"name", "telecom", "address"},
	fhirmodels.ResourceOrganization: {"name", "telecom", "address"},
}

type valueRange struct {
	min, max float64
	name     string
}

// observationRanges holds plausible bounds keyed by LOINC code.
var observationRanges = map[string]valueRange{
	fhirmodels.LOINCHeartRate:       {30, 220, "Heart rate"},
	fhirmodels.LOINCBodyTemperature: {35, 42, "Body temperature"},
	fhirmodels.LOINCBodyHeight:      {50, 250, "Body height"},
	fhirmodels.LOINCBodyWeight:      {1, 300, "Body weight"},
	fhirmodels.LOINCSystolicBP:      {50, 200, "Systolic blood pressure"},
	fhirmodels.LOINCDiastolicBP:     {30, 130, "Diastolic blood pressure"},
	fhirmodels.LOINCCreatinine:      {0.2, 10, "Creatinine"},
	fhirmodels.LOINCHemoglobin:      {2, 12, "Hemoglobin"},
	fhirmodels.LOINCGlucose:         {50, 400, "Glucose"},
}

// evalError tags an evaluation failure with its ErrorKind.
type evalError struct {
	kind ErrorKind
	err  error
}

func (e *evalError) Error() string { return e.err.Error() }
func (e *evalError) Unwrap() error { return e.err }

func malformed(format string, args ...interface{}) error {
	return &evalError{kind: ErrorKindMalformedInput, err: fmt.Errorf(format, args...)}
}

func errorKindOf(err error) ErrorKind {
	var ee *evalError
	switch {
	case errors.As(err, &ee):
		return ee.kind
	case errors.Is(err, fhir.ErrMalformedDate):
		return ErrorKindMalformedDate
	case errors.Is(err, fhir.ErrMaxDepth):
		return ErrorKindMalformedInput
	}
	return ErrorKindUnexpected
}

func newResult(status Status, message string) RuleResult {
	if len(message) > MaxMessageLength {
		n := MaxMessageLength - 3
		for n > 0 && !utf8.RuneStart(message[n]) {
			n--
		}
		message = message[:n] + "..."
	}
	return RuleResult{
		Timestamp: timeNow().UnixMilli(),
		Status:    status,
		Message:   message,
	}
}

func abortedResult(action string, err error) RuleResult {
	r := newResult(StatusAborted, fmt.Sprintf("Error %s: %s", action, err))
	r.ErrorKind = errorKindOf(err)
	return r
}

// evaluate runs fn and folds errors and panics into an Aborted result.
func evaluate(action string, fn func() (Status, string, error)) (res RuleResult) {
	defer func() {
		if r := recover(); r != nil {
			res = abortedResult(action, fmt.Errorf("panic: %v", r))
		}
	}()
	status, message, err := fn()
	if err != nil {
		return abortedResult(action, err)
	}
	return newResult(status, message)
}

func listViolations(v []string) string {
	if len(v) > maxListedViolations {
		v = v[:maxListedViolations]
	}
	return strings.Join(v, "; ")
}

func stringField(doc fhir.Document, key string) (string, error) {
	v, ok := doc[key]
	if !ok || v == nil {
		return "", nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", malformed("%s: expected string, got %s", key, fhir.KindOf(v))
	}
	return s, nil
}

// firstCodingCode returns coding[0].code of a CodeableConcept.
func firstCodingCode(cc fhir.Document) (string, error) {
	codings, _, err := cc.Array("coding")
	if err != nil {
		return "", malformed("%v", err)
	}
	if len(codings) == 0 {
		return "", nil
	}
	first, ok := fhir.AsObject(codings[0])
	if !ok {
		return "", malformed("coding[0]: expected object, got %s", fhir.KindOf(codings[0]))
	}
	return stringField(first, "code")
}

// ValidatePatientIdentifier requires at least one identifier, an MRN typed
// identifier, and system plus value on every identifier.
func ValidatePatientIdentifier(doc fhir.Document) RuleResult {
	return evaluate("validating patient identifiers", func() (Status, string, error) {
		raw, _, err := doc.Array("identifier")
		if err != nil {
			return "", "", malformed("%v", err)
		}
		if len(raw) == 0 {
			return StatusFailed, "Patient has no identifiers", nil
		}

		identifiers := make([]fhir.Document, 0, len(raw))
		for i, v := range raw {
			id, ok := fhir.AsObject(v)
			if !ok {
				return "", "", malformed("identifier[%d]: expected object, got %s", i, fhir.KindOf(v))
			}
			identifiers = append(identifiers, id)
		}

		hasMRN := false
		for i, id := range identifiers {
			typ, ok, err := id.Object("type")
			if err != nil {
				return "", "", malformed("identifier[%d].%v", i, err)
			}
			if !ok {
				continue
			}
			code, err := firstCodingCode(typ)
			if err != nil {
				return "", "", err
			}
			if code == fhirmodels.IdentifierTypeMR {
				hasMRN = true
				break
			}
		}
		if !hasMRN {
			return StatusFailed, "Patient missing Medical Record Number (MRN)", nil
		}

		for _, id := range identifiers {
			if id.Str("system") == "" || id.Str("value") == "" {
				return StatusFailed, "Invalid identifier structure - missing system or value", nil
			}
		}

		return StatusSuccess, fmt.Sprintf("Patient has %d valid identifiers including MRN", len(identifiers)), nil
	})
}

// ValidateDateConsistency checks Patient birth/death and Encounter period
// ordering against each other and the current time. Other resource types
// have no date checks.
func ValidateDateConsistency(doc fhir.Document, resourceType string) RuleResult {
	return evaluate("validating dates", func() (Status, string, error) {
		now := timeNow().UTC()

		switch resourceType {
		case fhirmodels.ResourcePatient:
			birth, err := stringField(doc, "birthDate")
			if err != nil || birth == "" {
				return StatusSuccess, "Date fields are consistent and valid", err
			}
			birthAt, err := fhir.ParseDateTime(birth)
			if err != nil {
				return "", "", fmt.Errorf("birthDate: %w", err)
			}
			if birthAt.After(now) {
				return StatusFailed, "Birth date is in the future", nil
			}

			death, err := stringField(doc, "deceasedDateTime")
			if err != nil {
				return "", "", err
			}
			if death != "" {
				deathAt, err := fhir.ParseDateTime(death)
				if err != nil {
					return "", "", fmt.Errorf("deceasedDateTime: %w", err)
				}
				if deathAt.Before(birthAt) {
					return StatusFailed, "Death date is before birth date", nil
				}
			}

		case fhirmodels.ResourceEncounter:
			period, _, err := doc.Object("period")
			if err != nil {
				return "", "", malformed("%v", err)
			}
			start, err := stringField(period, "start")
			if err != nil {
				return "", "", err
			}
			end, err := stringField(period, "end")
			if err != nil {
				return "", "", err
			}
			if start == "" {
				break
			}
			startAt, err := fhir.ParseDateTime(start)
			if err != nil {
				return "", "", fmt.Errorf("period.start: %w", err)
			}
			if end != "" {
				endAt, err := fhir.ParseDateTime(end)
				if err != nil {
					return "", "", fmt.Errorf("period.end: %w", err)
				}
				if endAt.Before(startAt) {
					return StatusFailed, "Encounter end date is before start date", nil
				}
			}
			if startAt.After(now) {
				return StatusFailed, "Encounter start date is in the future", nil
			}
		}

		return StatusSuccess, "Date fields are consistent and valid", nil
	})
}

// ValidateCodingStandards checks that every coding under fieldName (a
// CodeableConcept or a list of them) has a system and code, and that the
// system is a recognised terminology.
func ValidateCodingStandards(doc fhir.Document, fieldName string) RuleResult {
	return evaluate("validating coding standards", func() (Status, string, error) {
		v, ok := doc[fieldName]
		if !ok || fhir.IsEmpty(v) {
			return StatusSuccess, fmt.Sprintf("No %s field to validate", fieldName), nil
		}

		var codings []interface{}
		switch fhir.KindOf(v) {
		case fhir.KindObject:
			cc, _ := fhir.AsObject(v)
			arr, _, err := cc.Array("coding")
			if err != nil {
				return "", "", malformed("%s.%v", fieldName, err)
			}
			codings = arr
		case fhir.KindArray:
			for i, item := range v.([]interface{}) {
				cc, ok := fhir.AsObject(item)
				if !ok {
					continue
				}
				arr, _, err := cc.Array("coding")
				if err != nil {
					return "", "", malformed("%s[%d].%v", fieldName, i, err)
				}
				codings = append(codings, arr...)
			}
		default:
			return "", "", malformed("%s: expected CodeableConcept or list, got %s", fieldName, fhir.KindOf(v))
		}

		var invalid []string
		for i, c := range codings {
			coding, ok := fhir.AsObject(c)
			if !ok {
				return "", "", malformed("%s coding %d: expected object, got %s", fieldName, i, fhir.KindOf(c))
			}
			system, code := coding.Str("system"), coding.Str("code")
			switch {
			case system == "" || code == "":
				invalid = append(invalid, "Missing system or code")
			case validCodingSystems[system] == "":
				invalid = append(invalid, "Unknown coding system: "+system)
			}
		}

		if len(invalid) > 0 {
			return StatusFailed, "Invalid codings found: " + listViolations(invalid), nil
		}
		return StatusSuccess, "All codings use valid standards", nil
	})
}

// ValidateReferenceIntegrity checks every reference in the resource for
// "Type/id" syntax and a known target type.
func ValidateReferenceIntegrity(doc fhir.Document) RuleResult {
	return evaluate("validating references", func() (Status, string, error) {
		refs, err := fhir.ExtractReferences(doc)
		if err != nil {
			return "", "", err
		}

		var invalid []string
		for _, ref := range refs {
			raw, isStr := ref["reference"].(string)
			if !isStr {
				invalid = append(invalid, fmt.Sprintf("Invalid format: %v", ref["reference"]))
				continue
			}
			parsed, err := fhir.ParseReference(raw)
			if err != nil {
				invalid = append(invalid, "Invalid format: "+raw)
				continue
			}
			if !validReferenceTypes[parsed.ResourceType] {
				invalid = append(invalid, "Unknown resource type: "+parsed.ResourceType)
			}
		}

		if len(invalid) > 0 {
			return StatusFailed, "Invalid references: " + listViolations(invalid), nil
		}
		return StatusSuccess, fmt.Sprintf("All %d references are valid", len(refs)), nil
	})
}

// ValidatePHICompleteness requires the PHI fields listed for resourceType to
// be present and non-empty.
func ValidatePHICompleteness(doc fhir.Document, resourceType string) RuleResult {
	return evaluate("validating PHI completeness", func() (Status, string, error) {
		var missing []string
		for _, field := range requiredPHIFields[resourceType] {
			if fhir.IsEmpty(doc[field]) {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return StatusFailed, "Missing PHI fields: " + strings.Join(missing, ", "), nil
		}
		return StatusSuccess, "All required PHI fields are present", nil
	})
}

// ValidateObservationValues checks valueQuantity against the plausible
// range for the observation's LOINC code. Bounds are inclusive.
func ValidateObservationValues(doc fhir.Document) RuleResult {
	return evaluate("validating observation values", func() (Status, string, error) {
		code := ""
		cc, ok, err := doc.Object("code")
		if err != nil {
			return "", "", malformed("%v", err)
		}
		if ok {
			if code, err = firstCodingCode(cc); err != nil {
				return "", "", err
			}
		}

		quantity, _, err := doc.Object("valueQuantity")
		if err != nil {
			return "", "", malformed("%v", err)
		}
		if len(quantity) == 0 {
			return StatusSuccess, "No value to validate", nil
		}

		bounds, known := observationRanges[code]
		raw := quantity["value"]
		if known && raw != nil {
			value, isNum := fhir.AsNumber(raw)
			if !isNum {
				return "", "", malformed("valueQuantity.value: expected number, got %s", fhir.KindOf(raw))
			}
			if value < bounds.min || value > bounds.max {
				shown := formatNumber(value)
				if unit := quantity.Str("unit"); unit != "" {
					shown += " " + unit
				}
				return StatusFailed, fmt.Sprintf("%s value %s outside normal range (%s-%s)",
					bounds.name, shown, formatNumber(bounds.min), formatNumber(bounds.max)), nil
			}
		}

		return StatusSuccess, "Observation value within acceptable range", nil
	})
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
