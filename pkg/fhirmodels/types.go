package fhirmodels

// Common FHIR value set constants used across the application.

// Resource type names.
const (
	ResourcePatient      = "Patient"
	ResourceEncounter    = "Encounter"
	ResourceObservation  = "Observation"
	ResourceCondition    = "Condition"
	ResourceProcedure    = "Procedure"
	ResourceMedication   = "Medication"
	ResourcePractitioner = "Practitioner"
	ResourceOrganization = "Organization"
)

// EncounterStatus values per FHIR R4.
const (
	EncounterStatusPlanned        = "planned"
	EncounterStatusArrived        = "arrived"
	EncounterStatusTriaged        = "triaged"
	EncounterStatusInProgress     = "in-progress"
	EncounterStatusOnLeave        = "onleave"
	EncounterStatusFinished       = "finished"
	EncounterStatusCancelled      = "cancelled"
	EncounterStatusEnteredInError = "entered-in-error"
)

// Terminology system URIs.
const (
	SystemSNOMEDCT = "http://snomed.info/sct"
	SystemLOINC    = "http://loinc.org"
	SystemICD10    = "http://hl7.org/fhir/sid/icd-10"
	SystemICD10CM  = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemRxNorm   = "http://www.nlm.nih.gov/research/umls/rxnorm"
)

// IdentifierTypeMR is the v2-0203 code for a Medical Record Number.
const IdentifierTypeMR = "MR"

// LOINC codes for vital signs and common lab results.
const (
	LOINCHeartRate       = "8867-4"
	LOINCBodyTemperature = "8310-5"
	LOINCBodyHeight      = "8302-2"
	LOINCBodyWeight      = "29463-7"
	LOINCSystolicBP      = "8480-6"
	LOINCDiastolicBP     = "8462-4"
	LOINCCreatinine      = "2160-0"
	LOINCHemoglobin      = "718-7"
	LOINCGlucose         = "2345-7"
)
