// Package evidence defines the evidence record model, the closed vocabularies
// a declaration may use, the method/dataset compatibility matrix and the
// lifecycle state machine.
//
// Everything here is pure: no I/O, no clocks except those passed in.
package evidence

import (
	"slices"
	"time"
)

// DatasetType classifies what a piece of evidence is.
type DatasetType string

const (
	DatasetCertificate         DatasetType = "CERTIFICATE"
	DatasetSupplierDeclaration DatasetType = "SUPPLIER_DECLARATION"
	DatasetEmissionData        DatasetType = "EMISSION_DATA"
	DatasetImportDeclaration   DatasetType = "IMPORT_DECLARATION"
	DatasetProductionData      DatasetType = "PRODUCTION_DATA"
	DatasetTestReport          DatasetType = "TEST_REPORT"
)

// AllDatasetTypes lists every recognised dataset type.
var AllDatasetTypes = []DatasetType{
	DatasetCertificate, DatasetSupplierDeclaration, DatasetEmissionData,
	DatasetImportDeclaration, DatasetProductionData, DatasetTestReport,
}

func (d DatasetType) Valid() bool { return slices.Contains(AllDatasetTypes, d) }

// IngestionMethod records how the evidence entered the ledger.
type IngestionMethod string

const (
	MethodManualEntry    IngestionMethod = "MANUAL_ENTRY"
	MethodFileUpload     IngestionMethod = "FILE_UPLOAD"
	MethodERPAPI         IngestionMethod = "ERP_API"
	MethodAPIPush        IngestionMethod = "API_PUSH"
	MethodConnectorSync  IngestionMethod = "CONNECTOR_SYNC"
	MethodSupplierPortal IngestionMethod = "SUPPLIER_PORTAL"
)

var AllIngestionMethods = []IngestionMethod{
	MethodManualEntry, MethodFileUpload, MethodERPAPI,
	MethodAPIPush, MethodConnectorSync, MethodSupplierPortal,
}

func (m IngestionMethod) Valid() bool { return slices.Contains(AllIngestionMethods, m) }

// Scope is the organisational level a declaration applies to.
type Scope string

const (
	ScopeOrganization Scope = "ORGANIZATION"
	ScopeSite         Scope = "SITE"
	ScopeProduct      Scope = "PRODUCT"
	ScopeShipment     Scope = "SHIPMENT"
	ScopeSupplier     Scope = "SUPPLIER"
)

var AllScopes = []Scope{ScopeOrganization, ScopeSite, ScopeProduct, ScopeShipment, ScopeSupplier}

func (s Scope) Valid() bool { return slices.Contains(AllScopes, s) }

// Intent is the declared downstream use of the evidence.
type Intent string

const (
	IntentRegulatoryReporting  Intent = "REGULATORY_REPORTING"
	IntentSupplierVerification Intent = "SUPPLIER_VERIFICATION"
	IntentInternalAudit        Intent = "INTERNAL_AUDIT"
	IntentCustomerDisclosure   Intent = "CUSTOMER_DISCLOSURE"
)

var AllIntents = []Intent{
	IntentRegulatoryReporting, IntentSupplierVerification,
	IntentInternalAudit, IntentCustomerDisclosure,
}

func (i Intent) Valid() bool { return slices.Contains(AllIntents, i) }

// RetentionPolicy controls how long the evidence must be kept.
type RetentionPolicy string

const (
	Retain5Y            RetentionPolicy = "RETAIN_5Y"
	Retain7Y            RetentionPolicy = "RETAIN_7Y"
	Retain10Y           RetentionPolicy = "RETAIN_10Y"
	RetainRegulatoryMax RetentionPolicy = "RETAIN_REGULATORY_MAX"
)

var retentionYears = map[RetentionPolicy]int{
	Retain5Y:            5,
	Retain7Y:            7,
	Retain10Y:           10,
	RetainRegulatoryMax: 99,
}

func (r RetentionPolicy) Valid() bool {
	_, ok := retentionYears[r]
	return ok
}

// Years is the retention horizon. RETAIN_REGULATORY_MAX sorts above every fixed horizon.
func (r RetentionPolicy) Years() int { return retentionYears[r] }

// LegalBasis is the GDPR processing basis, required when personal data is present.
type LegalBasis string

const (
	LegalBasisConsent            LegalBasis = "CONSENT"
	LegalBasisContract           LegalBasis = "CONTRACT"
	LegalBasisLegalObligation    LegalBasis = "LEGAL_OBLIGATION"
	LegalBasisLegitimateInterest LegalBasis = "LEGITIMATE_INTEREST"
)

var AllLegalBases = []LegalBasis{
	LegalBasisConsent, LegalBasisContract, LegalBasisLegalObligation, LegalBasisLegitimateInterest,
}

func (l LegalBasis) Valid() bool { return slices.Contains(AllLegalBases, l) }

// Origin distinguishes production evidence from synthetic test fixtures.
type Origin string

const (
	OriginProduction  Origin = "PRODUCTION"
	OriginTestFixture Origin = "TEST_FIXTURE"
)

func (o Origin) Valid() bool { return o == OriginProduction || o == OriginTestFixture }

// CreatedVia is the channel that created a record.
type CreatedVia string

const (
	CreatedViaUI         CreatedVia = "UI"
	CreatedViaAPI        CreatedVia = "API"
	CreatedViaConnector  CreatedVia = "CONNECTOR"
	CreatedViaTestRunner CreatedVia = "TEST_RUNNER"
	CreatedViaSeed       CreatedVia = "SEED"
	CreatedViaMigration  CreatedVia = "MIGRATION"
)

var AllCreatedVia = []CreatedVia{
	CreatedViaUI, CreatedViaAPI, CreatedViaConnector,
	CreatedViaTestRunner, CreatedViaSeed, CreatedViaMigration,
}

func (c CreatedVia) Valid() bool { return slices.Contains(AllCreatedVia, c) }

// RejectionCode is the closed set of reasons a record may be rejected with.
type RejectionCode string

const (
	RejectIncompleteDocument  RejectionCode = "INCOMPLETE_DOCUMENT"
	RejectIllegiblePayload    RejectionCode = "ILLEGIBLE_PAYLOAD"
	RejectWrongDatasetType    RejectionCode = "WRONG_DATASET_TYPE"
	RejectOutOfScope          RejectionCode = "OUT_OF_SCOPE"
	RejectDuplicateSubmission RejectionCode = "DUPLICATE_SUBMISSION"
	RejectSupplierDispute     RejectionCode = "SUPPLIER_DISPUTE"
)

var AllRejectionCodes = []RejectionCode{
	RejectIncompleteDocument, RejectIllegiblePayload, RejectWrongDatasetType,
	RejectOutOfScope, RejectDuplicateSubmission, RejectSupplierDispute,
}

func (r RejectionCode) Valid() bool { return slices.Contains(AllRejectionCodes, r) }

// Declaration is the caller-declared metadata of a record. It is the content
// covered by the metadata hash, together with the record's identity.
type Declaration struct {
	DatasetType          DatasetType     `json:"dataset_type"`
	IngestionMethod      IngestionMethod `json:"ingestion_method"`
	SourceSystem         string          `json:"source_system"`
	DeclaredScope        Scope           `json:"declared_scope"`
	DeclaredIntent       Intent          `json:"declared_intent"`
	PurposeTags          []string        `json:"purpose_tags"`
	ContainsPersonalData *bool           `json:"contains_personal_data"`
	LegalBasis           LegalBasis      `json:"legal_basis,omitempty"`
	RetentionPolicy      RetentionPolicy `json:"retention_policy"`
	ExternalReferenceID  string          `json:"external_reference_id,omitempty"`
	Origin               Origin          `json:"origin,omitempty"`
	SchemaVersion        string          `json:"schema_version,omitempty"`
	PeriodStart          string          `json:"period_start,omitempty"`
	PeriodEnd            string          `json:"period_end,omitempty"`
	Attributes           map[string]any  `json:"attributes,omitempty"`
}

// HasPersonalData reports the declared personal-data flag, false when absent.
func (d Declaration) HasPersonalData() bool {
	return d.ContainsPersonalData != nil && *d.ContainsPersonalData
}

// EffectiveOrigin defaults an empty origin to PRODUCTION.
func (d Declaration) EffectiveOrigin() Origin {
	if d.Origin == "" {
		return OriginProduction
	}
	return d.Origin
}

// Provenance records who created a record, how and when.
type Provenance struct {
	CreatedVia       CreatedVia `json:"created_via"`
	CreatedByActorID string     `json:"created_by_actor_id"`
	RequestID        string     `json:"request_id"`
	IngestedAtUTC    time.Time  `json:"ingested_at_utc"`
}

// Complete reports whether every provenance field is populated.
func (p Provenance) Complete() bool {
	return p.CreatedVia.Valid() &&
		p.CreatedByActorID != "" &&
		p.RequestID != "" &&
		!p.IngestedAtUTC.IsZero()
}

// Record is a single evidence record.
type Record struct {
	RecordID  string `json:"record_id"`
	DisplayID string `json:"display_id"`
	TenantID  string `json:"tenant_id"`

	Declaration       Declaration `json:"declaration"`
	PayloadStorageURI string      `json:"payload_storage_uri"`

	PayloadHashSHA256  *string `json:"payload_hash_sha256"`
	MetadataHashSHA256 *string `json:"metadata_hash_sha256"`

	Status              Status        `json:"status"`
	SupersededBy        string        `json:"superseded_by,omitempty"`
	Supersedes          string        `json:"supersedes,omitempty"`
	QuarantineReason    string        `json:"quarantine_reason,omitempty"`
	RejectionReasonCode RejectionCode `json:"rejection_reason_code,omitempty"`

	Provenance           Provenance `json:"provenance"`
	SealedAtUTC          *time.Time `json:"sealed_at_utc"`
	ProvenanceIncomplete bool       `json:"provenance_incomplete"`

	UpdatedAtUTC time.Time `json:"updated_at_utc"`
	Version      int64     `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Declaration = r.Declaration.clone()
	if r.PayloadHashSHA256 != nil {
		v := *r.PayloadHashSHA256
		c.PayloadHashSHA256 = &v
	}
	if r.MetadataHashSHA256 != nil {
		v := *r.MetadataHashSHA256
		c.MetadataHashSHA256 = &v
	}
	if r.SealedAtUTC != nil {
		v := *r.SealedAtUTC
		c.SealedAtUTC = &v
	}
	return &c
}

func (d Declaration) clone() Declaration {
	c := d
	c.PurposeTags = slices.Clone(d.PurposeTags)
	if d.ContainsPersonalData != nil {
		v := *d.ContainsPersonalData
		c.ContainsPersonalData = &v
	}
	if d.Attributes != nil {
		c.Attributes = deepCopyMap(d.Attributes)
	}
	return c
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = deepCopyValue(t[i])
		}
		return s
	default:
		return v
	}
}

// IsSealed reports whether the record's content has been frozen. This stays
// true after a sealed record is superseded or quarantined.
func (r *Record) IsSealed() bool { return r.SealedAtUTC != nil }

// CountsTowardCompliance reports whether the record may feed a compliance
// aggregate: a current lineage head that is neither quarantined nor missing provenance.
func (r *Record) CountsTowardCompliance() bool {
	return r.InPopulation() && r.Status != StatusQuarantined && !r.ProvenanceIncomplete
}

// InPopulation reports whether the record belongs to the aggregate population.
// Rejected and superseded records are history, not current evidence.
func (r *Record) InPopulation() bool {
	return r.Status != StatusRejected && r.Status != StatusSuperseded
}

// SealedMetadata is the canonical view hashed into metadata_hash_sha256.
// Provenance is deliberately absent: it may be corrected after sealing.
type SealedMetadata struct {
	RecordID          string      `json:"record_id"`
	TenantID          string      `json:"tenant_id"`
	DisplayID         string      `json:"display_id"`
	Declaration       Declaration `json:"declaration"`
	PayloadStorageURI string      `json:"payload_storage_uri"`
	Supersedes        string      `json:"supersedes,omitempty"`
}

// MetadataView returns the content covered by the metadata hash.
func (r *Record) MetadataView() SealedMetadata {
	return SealedMetadata{
		RecordID:          r.RecordID,
		TenantID:          r.TenantID,
		DisplayID:         r.DisplayID,
		Declaration:       r.Declaration,
		PayloadStorageURI: r.PayloadStorageURI,
		Supersedes:        r.Supersedes,
	}
}
