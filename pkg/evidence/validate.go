package evidence

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies a single field violation.
type Kind string

const (
	KindMissing                  Kind = "MISSING"
	KindInvalidValue             Kind = "INVALID_VALUE"
	KindInvalidRetentionOrDate   Kind = "INVALID_RETENTION_OR_DATE"
	KindUnsupportedCombination   Kind = "UNSUPPORTED_COMBINATION"
	KindUnsupportedSchemaVersion Kind = "UNSUPPORTED_SCHEMA_VERSION"
	KindSchemaViolation          Kind = "SCHEMA_VIOLATION"
)

// FieldError describes one violated field.
type FieldError struct {
	Field   string `json:"field"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// ValidationError carries every violation found, never only the first.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "evidence: validation failed: " + strings.Join(parts, "; ")
}

// Has reports whether any violation is of kind k.
func (e *ValidationError) Has(k Kind) bool {
	for _, f := range e.Fields {
		if f.Kind == k {
			return true
		}
	}
	return false
}

const dateLayout = "2006-01-02"

// futureSlack tolerates reporting periods that end "today" in any timezone.
const futureSlack = 24 * time.Hour

// ValidateDeclaration checks a declaration against the closed vocabularies and
// the compatibility matrix. It returns every violation, in field order.
func ValidateDeclaration(d Declaration, now time.Time) []FieldError {
	var errs []FieldError
	add := func(field string, kind Kind, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Kind: kind, Message: fmt.Sprintf(format, args...)})
	}

	switch {
	case d.DatasetType == "":
		add("dataset_type", KindMissing, "is required")
	case !d.DatasetType.Valid():
		add("dataset_type", KindUnsupportedCombination, "%q is not a supported dataset type", d.DatasetType)
	}
	switch {
	case d.IngestionMethod == "":
		add("ingestion_method", KindMissing, "is required")
	case !d.IngestionMethod.Valid():
		add("ingestion_method", KindUnsupportedCombination, "%q is not a supported ingestion method", d.IngestionMethod)
	case d.DatasetType.Valid() && !MethodAllowed(d.DatasetType, d.IngestionMethod):
		add("ingestion_method", KindUnsupportedCombination, "%s cannot be ingested via %s", d.DatasetType, d.IngestionMethod)
	}
	if strings.TrimSpace(d.SourceSystem) == "" {
		add("source_system", KindMissing, "is required")
	}
	switch {
	case d.DeclaredScope == "":
		add("declared_scope", KindMissing, "is required")
	case !d.DeclaredScope.Valid():
		add("declared_scope", KindUnsupportedCombination, "%q is not a supported scope", d.DeclaredScope)
	case d.DatasetType.Valid() && !ScopeAllowed(d.DatasetType, d.DeclaredScope):
		add("declared_scope", KindUnsupportedCombination, "%s does not apply at %s scope", d.DatasetType, d.DeclaredScope)
	}
	switch {
	case d.DeclaredIntent == "":
		add("declared_intent", KindMissing, "is required")
	case !d.DeclaredIntent.Valid():
		add("declared_intent", KindInvalidValue, "%q is not a supported intent", d.DeclaredIntent)
	}
	if len(d.PurposeTags) == 0 {
		add("purpose_tags", KindMissing, "at least one purpose tag is required")
	} else {
		seen := make(map[string]bool, len(d.PurposeTags))
		for i, tag := range d.PurposeTags {
			switch {
			case strings.TrimSpace(tag) == "":
				add(fmt.Sprintf("purpose_tags[%d]", i), KindInvalidValue, "must not be blank")
			case seen[tag]:
				add(fmt.Sprintf("purpose_tags[%d]", i), KindInvalidValue, "duplicate tag %q", tag)
			}
			seen[tag] = true
		}
	}
	if d.ContainsPersonalData == nil {
		add("contains_personal_data", KindMissing, "is required")
	}
	switch {
	case d.HasPersonalData() && d.LegalBasis == "":
		add("legal_basis", KindMissing, "is required when contains_personal_data is true")
	case d.LegalBasis != "" && !d.LegalBasis.Valid():
		add("legal_basis", KindInvalidValue, "%q is not a supported legal basis", d.LegalBasis)
	}
	switch {
	case d.RetentionPolicy == "":
		add("retention_policy", KindMissing, "is required")
	case !d.RetentionPolicy.Valid():
		add("retention_policy", KindInvalidRetentionOrDate, "%q is not a supported retention policy", d.RetentionPolicy)
	default:
		if rule, ok := Matrix[d.DatasetType]; ok && d.RetentionPolicy.Years() < rule.MinRetention.Years() {
			add("retention_policy", KindInvalidRetentionOrDate, "%s requires at least %s", d.DatasetType, rule.MinRetention)
		}
	}
	if d.IngestionMethod == MethodAPIPush && strings.TrimSpace(d.ExternalReferenceID) == "" {
		add("external_reference_id", KindMissing, "is required for API_PUSH ingestion")
	}
	if d.Origin != "" && !d.Origin.Valid() {
		add("origin", KindInvalidValue, "%q is not a supported origin", d.Origin)
	}
	if d.DatasetType.Valid() {
		if _, ok := ResolveSchemaVersion(d.DatasetType, d.SchemaVersion); !ok {
			add("schema_version", KindUnsupportedSchemaVersion, "%q is not supported for %s (want %s)",
				d.SchemaVersion, d.DatasetType, Matrix[d.DatasetType].SchemaVersions)
		}
	}
	errs = append(errs, validatePeriod(d, now)...)
	return errs
}

func validatePeriod(d Declaration, now time.Time) []FieldError {
	var errs []FieldError
	parse := func(field, value string) (time.Time, bool) {
		if value == "" {
			return time.Time{}, false
		}
		t, err := time.Parse(dateLayout, value)
		if err != nil {
			errs = append(errs, FieldError{Field: field, Kind: KindInvalidRetentionOrDate, Message: "must be a YYYY-MM-DD date"})
			return time.Time{}, false
		}
		if t.After(now.UTC().Add(futureSlack)) {
			errs = append(errs, FieldError{Field: field, Kind: KindInvalidRetentionOrDate, Message: "must not be in the future"})
		}
		return t, true
	}
	start, okStart := parse("period_start", d.PeriodStart)
	end, okEnd := parse("period_end", d.PeriodEnd)
	if okStart && okEnd && end.Before(start) {
		errs = append(errs, FieldError{Field: "period_end", Kind: KindInvalidRetentionOrDate, Message: "must not precede period_start"})
	}
	return errs
}

// ValidateForSeal re-checks the whole declaration and, on top, the dataset
// attributes and payload reference. The returned slice lists every violation.
func ValidateForSeal(r *Record, now time.Time) ([]FieldError, error) {
	errs := ValidateDeclaration(r.Declaration, now)
	if strings.TrimSpace(r.PayloadStorageURI) == "" {
		errs = append(errs, FieldError{Field: "payload_storage_uri", Kind: KindMissing, Message: "a payload is required before sealing"})
	}
	if !r.Declaration.DatasetType.Valid() {
		return errs, nil
	}
	v, ok := ResolveSchemaVersion(r.Declaration.DatasetType, r.Declaration.SchemaVersion)
	if !ok {
		return errs, nil
	}
	attrErrs, err := ValidateAttributes(r.Declaration.DatasetType, v.Major(), r.Declaration.Attributes)
	if err != nil {
		return nil, err
	}
	return append(errs, attrErrs...), nil
}
