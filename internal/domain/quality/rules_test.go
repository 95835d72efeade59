package quality

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ehr/quality/internal/platform/fhir"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func withFixedClock(t *testing.T) {
	t.Helper()
	prev := timeNow
	timeNow = func() time.Time { return fixedNow }
	t.Cleanup(func() { timeNow = prev })
}

func mustDoc(t *testing.T, raw string) fhir.Document {
	t.Helper()
	doc, err := fhir.ParseDocument([]byte(raw))
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	return doc
}

func expectResult(t *testing.T, got RuleResult, status Status, contains string) {
	t.Helper()
	if got.Status != status {
		t.Errorf("expected %s, got %s (%q)", status, got.Status, got.Message)
	}
	if !strings.Contains(got.Message, contains) {
		t.Errorf("expected message containing %q, got %q", contains, got.Message)
	}
}

const mrnType = `{"coding":[{"system":"http://terminology.hl7.org/CodeSystem/v2-0203","code":"MR"}]}`

func TestValidatePatientIdentifier(t *testing.T) {
	withFixedClock(t)

	tests := []struct {
		name     string
		doc      string
		status   Status
		contains string
	}{
		{"no identifier key", `{"resourceType":"Patient"}`, StatusFailed, "Patient has no identifiers"},
		{"empty list", `{"identifier":[]}`, StatusFailed, "Patient has no identifiers"},
		{"no MR type", `{"identifier":[{"system":"urn:ssn","value":"123"}]}`, StatusFailed, "missing Medical Record Number"},
		{"MR coding not first", `{"identifier":[{"type":{"coding":[{"code":"SS"},{"code":"MR"}]},"system":"s","value":"v"}]}`,
			StatusFailed, "missing Medical Record Number"},
		{"empty type coding", `{"identifier":[{"type":{"coding":[]},"system":"s","value":"v"}]}`,
			StatusFailed, "missing Medical Record Number"},
		{"missing value", `{"identifier":[{"type":` + mrnType + `,"system":"urn:mrn","value":"1"},{"system":"urn:ssn"}]}`,
			StatusFailed, "missing system or value"},
		{"missing system", `{"identifier":[{"type":` + mrnType + `,"value":"1"}]}`,
			StatusFailed, "missing system or value"},
		{"valid", `{"identifier":[{"type":` + mrnType + `,"system":"urn:mrn","value":"1"},{"system":"urn:ssn","value":"2"}]}`,
			StatusSuccess, "Patient has 2 valid identifiers including MRN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectResult(t, ValidatePatientIdentifier(mustDoc(t, tt.doc)), tt.status, tt.contains)
		})
	}
}

func TestValidatePatientIdentifier_Malformed(t *testing.T) {
	for _, raw := range []string{
		`{"identifier":"MRN-1"}`,
		`{"identifier":["MRN-1"]}`,
		`{"identifier":[{"type":{"coding":"MR"}}]}`,
	} {
		got := ValidatePatientIdentifier(mustDoc(t, raw))
		expectResult(t, got, StatusAborted, "Error validating patient identifiers:")
		if got.ErrorKind != ErrorKindMalformedInput {
			t.Errorf("%s: expected malformed_input, got %q", raw, got.ErrorKind)
		}
	}
}

func TestValidateDateConsistency_Patient(t *testing.T) {
	withFixedClock(t)

	tests := []struct {
		name     string
		doc      string
		status   Status
		contains string
	}{
		{"death before birth", `{"birthDate":"1980-01-15","deceasedDateTime":"1970-12-31T10:00:00Z"}`,
			StatusFailed, "before birth date"},
		{"birth in future", `{"birthDate":"2030-01-01"}`, StatusFailed, "Birth date is in the future"},
		{"birth today", `{"birthDate":"2024-06-01"}`, StatusSuccess, "consistent"},
		{"bare date", `{"birthDate":"1980-01-15"}`, StatusSuccess, "Date fields are consistent and valid"},
		{"timestamp with Z", `{"birthDate":"1980-01-15T08:30:00Z","deceasedDateTime":"2020-03-01T10:00:00Z"}`,
			StatusSuccess, "consistent"},
		{"timestamp without zone", `{"birthDate":"1980-01-15T08:30:00","deceasedDateTime":"2020-03-01T10:00:00"}`,
			StatusSuccess, "consistent"},
		{"no birth date", `{"deceasedDateTime":"2020-03-01T10:00:00Z"}`, StatusSuccess, "consistent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectResult(t, ValidateDateConsistency(mustDoc(t, tt.doc), "Patient"), tt.status, tt.contains)
		})
	}
}

func TestValidateDateConsistency_Encounter(t *testing.T) {
	withFixedClock(t)

	tests := []struct {
		name     string
		doc      string
		status   Status
		contains string
	}{
		{"end before start", `{"period":{"start":"2024-01-10T10:00:00Z","end":"2024-01-09T10:00:00Z"}}`,
			StatusFailed, "Encounter end date is before start date"},
		{"start in future", `{"period":{"start":"2025-01-01T00:00:00Z"}}`,
			StatusFailed, "Encounter start date is in the future"},
		{"valid period", `{"period":{"start":"2024-01-10T10:00:00Z","end":"2024-01-10T11:00:00Z"}}`,
			StatusSuccess, "consistent"},
		{"no period", `{"status":"finished"}`, StatusSuccess, "consistent"},
		{"end only", `{"period":{"end":"2024-01-10T11:00:00Z"}}`, StatusSuccess, "consistent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectResult(t, ValidateDateConsistency(mustDoc(t, tt.doc), "Encounter"), tt.status, tt.contains)
		})
	}
}

func TestValidateDateConsistency_OtherKinds(t *testing.T) {
	doc := mustDoc(t, `{"birthDate":"2999-01-01"}`)
	expectResult(t, ValidateDateConsistency(doc, "Observation"), StatusSuccess, "Date fields are consistent and valid")
}

func TestValidateDateConsistency_MalformedDate(t *testing.T) {
	got := ValidateDateConsistency(mustDoc(t, `{"birthDate":"15/01/1980"}`), "Patient")
	expectResult(t, got, StatusAborted, "Error validating dates:")
	if got.ErrorKind != ErrorKindMalformedDate {
		t.Errorf("expected malformed_date, got %q", got.ErrorKind)
	}

	got = ValidateDateConsistency(mustDoc(t, `{"period":{"start":"yesterday"}}`), "Encounter")
	if got.Status != StatusAborted || got.ErrorKind != ErrorKindMalformedDate {
		t.Errorf("expected Aborted/malformed_date, got %s/%q", got.Status, got.ErrorKind)
	}

	got = ValidateDateConsistency(mustDoc(t, `{"birthDate":1980}`), "Patient")
	if got.Status != StatusAborted || got.ErrorKind != ErrorKindMalformedInput {
		t.Errorf("expected Aborted/malformed_input, got %s/%q", got.Status, got.ErrorKind)
	}
}

func TestValidateCodingStandards(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		status   Status
		contains string
	}{
		{"unknown system", `{"code":{"coding":[{"system":"http://invalid-system.com","code":"12345"}]}}`,
			StatusFailed, "Unknown coding system: http://invalid-system.com"},
		{"missing code", `{"code":{"coding":[{"system":"http://loinc.org"}]}}`,
			StatusFailed, "Invalid codings found: Missing system or code"},
		{"valid loinc", `{"code":{"coding":[{"system":"http://loinc.org","code":"8867-4"}]}}`,
			StatusSuccess, "All codings use valid standards"},
		{"list of concepts", `{"code":[{"coding":[{"system":"http://snomed.info/sct","code":"1"}]},{"coding":[{"system":"http://www.nlm.nih.gov/research/umls/rxnorm","code":"2"}]}]}`,
			StatusSuccess, "All codings use valid standards"},
		{"absent field", `{"status":"final"}`, StatusSuccess, "No code field to validate"},
		{"concept without codings", `{"code":{"text":"free text"}}`, StatusSuccess, "All codings use valid standards"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectResult(t, ValidateCodingStandards(mustDoc(t, tt.doc), "code"), tt.status, tt.contains)
		})
	}
}

func TestValidateCodingStandards_CapsViolations(t *testing.T) {
	doc := mustDoc(t, `{"category":[
		{"coding":[{"system":"urn:a","code":"1"},{"system":"urn:b","code":"2"}]},
		{"coding":[{"system":"urn:c","code":"3"},{"system":"urn:d","code":"4"}]}
	]}`)

	got := ValidateCodingStandards(doc, "category")
	if got.Status != StatusFailed {
		t.Fatalf("expected Failed, got %s", got.Status)
	}
	if n := strings.Count(got.Message, "Unknown coding system"); n != 3 {
		t.Errorf("expected 3 listed violations, got %d in %q", n, got.Message)
	}
	if strings.Contains(got.Message, "urn:d") {
		t.Errorf("fourth violation should not be listed: %q", got.Message)
	}
}

func TestValidateCodingStandards_Malformed(t *testing.T) {
	got := ValidateCodingStandards(mustDoc(t, `{"code":"8867-4"}`), "code")
	if got.Status != StatusAborted || got.ErrorKind != ErrorKindMalformedInput {
		t.Errorf("expected Aborted/malformed_input, got %s/%q", got.Status, got.ErrorKind)
	}
	got = ValidateCodingStandards(mustDoc(t, `{"code":{"coding":["8867-4"]}}`), "code")
	if got.Status != StatusAborted {
		t.Errorf("expected Aborted for non-object coding, got %s", got.Status)
	}
}

func TestValidateReferenceIntegrity(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		status   Status
		contains string
	}{
		{"valid", `{"subject":{"reference":"Patient/123"},"participant":[{"individual":{"reference":"Practitioner/abc"}}]}`,
			StatusSuccess, "All 2 references are valid"},
		{"no references", `{"id":"1"}`, StatusSuccess, "All 0 references are valid"},
		{"bad format", `{"subject":{"reference":"invalid-ref"}}`, StatusFailed, "Invalid references: Invalid format: invalid-ref"},
		{"empty id", `{"subject":{"reference":"Patient/"}}`, StatusFailed, "Invalid format: Patient/"},
		{"non-string", `{"subject":{"reference":42}}`, StatusFailed, "Invalid format: 42"},
		{"unknown type", `{"subject":{"reference":"Device/9"}}`, StatusFailed, "Unknown resource type: Device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectResult(t, ValidateReferenceIntegrity(mustDoc(t, tt.doc)), tt.status, tt.contains)
		})
	}
}

func TestValidateReferenceIntegrity_LongMultibyteMessage(t *testing.T) {
	doc := fhir.Document{
		"subject": map[string]interface{}{"reference": "Ünknown" + strings.Repeat("é", 600)},
	}

	got := ValidateReferenceIntegrity(doc)
	expectResult(t, got, StatusFailed, "Invalid format")
	if len(got.Message) > MaxMessageLength {
		t.Errorf("expected message within %d bytes, got %d", MaxMessageLength, len(got.Message))
	}
	if !utf8.ValidString(got.Message) {
		t.Errorf("expected valid UTF-8 after truncation, tail %q", got.Message[len(got.Message)-8:])
	}
	if !strings.HasSuffix(got.Message, "é...") {
		t.Errorf("expected truncation on a character boundary, tail %q", got.Message[len(got.Message)-8:])
	}
}

func TestValidateReferenceIntegrity_DepthGuard(t *testing.T) {
	var nested interface{} = map[string]interface{}{"reference": "Patient/1"}
	for i := 0; i < fhir.MaxDepth+5; i++ {
		nested = map[string]interface{}{"child": nested}
	}
	doc := fhir.Document(nested.(map[string]interface{}))

	got := ValidateReferenceIntegrity(doc)
	if got.Status != StatusAborted {
		t.Fatalf("expected Aborted, got %s", got.Status)
	}
	if got.ErrorKind != ErrorKindMalformedInput {
		t.Errorf("expected malformed_input, got %q", got.ErrorKind)
	}
}

func TestValidatePHICompleteness(t *testing.T) {
	complete := `{"name":[{"family":"Doe"}],"telecom":[{"value":"555"}],"address":[{"city":"X"}],"birthDate":"1980-01-01"}`
	expectResult(t, ValidatePHICompleteness(mustDoc(t, complete), "Patient"), StatusSuccess, "All required PHI fields are present")

	got := ValidatePHICompleteness(mustDoc(t, `{"name":[],"address":[{"city":"X"}],"birthDate":""}`), "Patient")
	expectResult(t, got, StatusFailed, "Missing PHI fields: name, telecom, birthDate")

	got = ValidatePHICompleteness(mustDoc(t, `{"name":"Acme"}`), "Organization")
	expectResult(t, got, StatusFailed, "Missing PHI fields: telecom, address")

	expectResult(t, ValidatePHICompleteness(mustDoc(t, `{}`), "Observation"), StatusSuccess, "All required PHI fields are present")
}

func observation(code string, value string, unit string) string {
	return `{"resourceType":"Observation","code":{"coding":[{"system":"http://loinc.org","code":"` + code + `"}]},` +
		`"valueQuantity":{"value":` + value + `,"unit":"` + unit + `"}}`
}

func TestValidateObservationValues(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		status   Status
		contains string
	}{
		{"heart rate upper bound", observation("8867-4", "220", "beats/min"), StatusSuccess, "within acceptable range"},
		{"heart rate above", observation("8867-4", "221", "beats/min"), StatusFailed, "outside normal range (30-220)"},
		{"heart rate lower bound", observation("8867-4", "30", "beats/min"), StatusSuccess, "within acceptable range"},
		{"heart rate below", observation("8867-4", "29.5", "beats/min"), StatusFailed, "Heart rate value 29.5 beats/min"},
		{"creatinine below", observation("2160-0", "0.1", "mg/dL"), StatusFailed, "outside normal range (0.2-10)"},
		{"temperature in range", observation("8310-5", "37.2", "Cel"), StatusSuccess, "within acceptable range"},
		{"unknown code", observation("9999-9", "100000", "x"), StatusSuccess, "within acceptable range"},
		{"no quantity", `{"code":{"coding":[{"code":"8867-4"}]}}`, StatusSuccess, "No value to validate"},
		{"empty quantity", `{"code":{"coding":[{"code":"8867-4"}]},"valueQuantity":{}}`, StatusSuccess, "No value to validate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectResult(t, ValidateObservationValues(mustDoc(t, tt.doc)), tt.status, tt.contains)
		})
	}
}

func TestValidateObservationValues_Message(t *testing.T) {
	got := ValidateObservationValues(mustDoc(t, observation("8867-4", "221", "beats/min")))
	want := "Heart rate value 221 beats/min outside normal range (30-220)"
	if got.Message != want {
		t.Errorf("expected %q, got %q", want, got.Message)
	}
}

func TestValidateObservationValues_NonNumeric(t *testing.T) {
	got := ValidateObservationValues(mustDoc(t, observation("8867-4", `"fast"`, "beats/min")))
	if got.Status != StatusAborted || got.ErrorKind != ErrorKindMalformedInput {
		t.Errorf("expected Aborted/malformed_input, got %s/%q", got.Status, got.ErrorKind)
	}
}

func TestEvaluate_RecoversPanic(t *testing.T) {
	got := evaluate("testing", func() (Status, string, error) {
		var m map[string]int
		m["boom"] = 1
		return StatusSuccess, "unreachable", nil
	})
	expectResult(t, got, StatusAborted, "Error testing: panic:")
	if got.ErrorKind != ErrorKindUnexpected {
		t.Errorf("expected unexpected, got %q", got.ErrorKind)
	}
}

func TestEvaluate_TimestampAndTruncation(t *testing.T) {
	withFixedClock(t)

	got := evaluate("testing", func() (Status, string, error) {
		return StatusFailed, strings.Repeat("x", MaxMessageLength*2), nil
	})
	if got.Timestamp != fixedNow.UnixMilli() {
		t.Errorf("expected timestamp %d, got %d", fixedNow.UnixMilli(), got.Timestamp)
	}
	if len(got.Message) != MaxMessageLength {
		t.Errorf("expected message truncated to %d, got %d", MaxMessageLength, len(got.Message))
	}
}

func TestRules_Deterministic(t *testing.T) {
	withFixedClock(t)
	doc := mustDoc(t, `{"code":{"coding":[{"system":"http://invalid-system.com","code":"12345"}]}}`)

	a := ValidateCodingStandards(doc, "code")
	b := ValidateCodingStandards(doc, "code")
	if a != b {
		t.Errorf("expected identical results, got %+v and %+v", a, b)
	}
}
