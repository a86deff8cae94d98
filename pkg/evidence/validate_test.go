package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func boolPtr(b bool) *bool { return &b }

func validDeclaration() Declaration {
	return Declaration{
		DatasetType:          DatasetCertificate,
		IngestionMethod:      MethodERPAPI,
		SourceSystem:         "sap-s4",
		DeclaredScope:        ScopeSupplier,
		DeclaredIntent:       IntentRegulatoryReporting,
		PurposeTags:          []string{"cbam"},
		ContainsPersonalData: boolPtr(false),
		RetentionPolicy:      Retain10Y,
		Attributes: map[string]any{
			"certificate_number": "ISO-14001-77",
			"issuer":             "TUV",
			"valid_from":         "2025-01-01",
			"valid_until":        "2028-01-01",
		},
	}
}

func fieldNames(errs []FieldError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestValidateDeclaration_Valid(t *testing.T) {
	assert.Empty(t, ValidateDeclaration(validDeclaration(), fixedNow))
}

func TestValidateDeclaration_ManualCertificateUnsupported(t *testing.T) {
	d := validDeclaration()
	d.IngestionMethod = MethodManualEntry

	errs := ValidateDeclaration(d, fixedNow)
	require.Len(t, errs, 1)
	assert.Equal(t, "ingestion_method", errs[0].Field)
	assert.Equal(t, KindUnsupportedCombination, errs[0].Kind)
}

func TestValidateDeclaration_ReportsEveryViolation(t *testing.T) {
	d := Declaration{
		DatasetType:          DatasetEmissionData,
		IngestionMethod:      MethodAPIPush,
		DeclaredScope:        ScopeSupplier,
		ContainsPersonalData: boolPtr(true),
		RetentionPolicy:      Retain5Y,
		PeriodStart:          "2025-12-31",
		PeriodEnd:            "2025-01-01",
	}

	errs := ValidateDeclaration(d, fixedNow)
	assert.ElementsMatch(t, []string{
		"source_system",
		"declared_scope",
		"declared_intent",
		"purpose_tags",
		"legal_basis",
		"retention_policy",
		"external_reference_id",
		"period_end",
	}, fieldNames(errs))
}

func TestValidateDeclaration_Dates(t *testing.T) {
	tests := []struct {
		name        string
		start, end  string
		wantField   string
		wantNoError bool
	}{
		{name: "both valid", start: "2025-01-01", end: "2025-12-31", wantNoError: true},
		{name: "bad format", start: "01/02/2025", wantField: "period_start"},
		{name: "future end", start: "2026-01-01", end: "2027-01-01", wantField: "period_end"},
		{name: "end before start", start: "2025-06-01", end: "2025-05-01", wantField: "period_end"},
		{name: "today tolerated", end: "2026-03-02", wantNoError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDeclaration()
			d.PeriodStart, d.PeriodEnd = tt.start, tt.end
			errs := ValidateDeclaration(d, fixedNow)
			if tt.wantNoError {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantField, errs[0].Field)
			assert.Equal(t, KindInvalidRetentionOrDate, errs[0].Kind)
		})
	}
}

func TestValidateDeclaration_RetentionFloor(t *testing.T) {
	d := validDeclaration()
	d.DatasetType = DatasetImportDeclaration
	d.DeclaredScope = ScopeShipment
	d.RetentionPolicy = Retain5Y

	errs := ValidateDeclaration(d, fixedNow)
	require.Len(t, errs, 1)
	assert.Equal(t, "retention_policy", errs[0].Field)
	assert.Equal(t, KindInvalidRetentionOrDate, errs[0].Kind)

	d.RetentionPolicy = Retain7Y
	assert.Empty(t, ValidateDeclaration(d, fixedNow))
}

func TestMatrix_RetentionFloors(t *testing.T) {
	want := map[DatasetType]RetentionPolicy{
		DatasetCertificate:         Retain5Y,
		DatasetSupplierDeclaration: Retain5Y,
		DatasetEmissionData:        Retain7Y,
		DatasetImportDeclaration:   Retain7Y,
		DatasetProductionData:      Retain5Y,
		DatasetTestReport:          Retain5Y,
	}
	for dataset, floor := range want {
		assert.Equal(t, floor, Matrix[dataset].MinRetention, dataset)
	}
}

func TestValidateDeclaration_SchemaVersion(t *testing.T) {
	d := validDeclaration()
	d.SchemaVersion = "2.1.0"
	errs := ValidateDeclaration(d, fixedNow)
	require.Len(t, errs, 1)
	assert.Equal(t, KindUnsupportedSchemaVersion, errs[0].Kind)

	d.SchemaVersion = "not-a-version"
	errs = ValidateDeclaration(d, fixedNow)
	require.Len(t, errs, 1)
	assert.Equal(t, "schema_version", errs[0].Field)

	d.SchemaVersion = "1.4.2"
	assert.Empty(t, ValidateDeclaration(d, fixedNow))
}

func TestValidateDeclaration_UnknownEnums(t *testing.T) {
	d := validDeclaration()
	d.DatasetType = "INVOICE"
	d.DeclaredIntent = "MARKETING"
	d.Origin = "STAGING"

	errs := ValidateDeclaration(d, fixedNow)
	assert.ElementsMatch(t, []string{"dataset_type", "declared_intent", "origin"}, fieldNames(errs))
}

func TestValidateForSeal_Attributes(t *testing.T) {
	r := &Record{Declaration: validDeclaration(), PayloadStorageURI: "file://t/abc"}
	errs, err := ValidateForSeal(r, fixedNow)
	require.NoError(t, err)
	assert.Empty(t, errs)

	r.Declaration.Attributes = map[string]any{"certificate_number": "", "valid_from": "yesterday"}
	r.PayloadStorageURI = ""
	errs, err = ValidateForSeal(r, fixedNow)
	require.NoError(t, err)

	names := fieldNames(errs)
	assert.Contains(t, names, "payload_storage_uri")
	assert.Contains(t, names, "attributes.certificate_number")
	assert.Contains(t, names, "attributes.valid_from")
	assert.Contains(t, names, "attributes")
}

func TestValidateForSeal_EmissionV2NeedsMethodology(t *testing.T) {
	d := validDeclaration()
	d.DatasetType = DatasetEmissionData
	d.DeclaredScope = ScopeSite
	d.SchemaVersion = "2.0.0"
	d.Attributes = map[string]any{"quantity": 12.5, "unit": "tCO2e", "emission_scope": "SCOPE_1"}

	errs, err := ValidateForSeal(&Record{Declaration: d, PayloadStorageURI: "file://x"}, fixedNow)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, KindSchemaViolation, errs[0].Kind)

	d.SchemaVersion = "1.0.0"
	errs, err = ValidateForSeal(&Record{Declaration: d, PayloadStorageURI: "file://x"}, fixedNow)
	require.NoError(t, err)
	assert.Empty(t, errs)
}
