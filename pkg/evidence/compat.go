package evidence

import (
	"slices"

	"github.com/Masterminds/semver/v3"
)

// DatasetRule is one row of the compatibility matrix.
type DatasetRule struct {
	Methods      []IngestionMethod
	Scopes       []Scope
	MinRetention RetentionPolicy
	// SchemaVersions constrains the declaration's schema_version.
	SchemaVersions string
}

var allMethods = AllIngestionMethods

// Matrix is the closed method/dataset/scope compatibility table.
var Matrix = map[DatasetType]DatasetRule{
	DatasetCertificate: {
		Methods:        []IngestionMethod{MethodFileUpload, MethodERPAPI, MethodAPIPush, MethodSupplierPortal},
		Scopes:         []Scope{ScopeSite, ScopeProduct, ScopeSupplier},
		MinRetention:   Retain5Y,
		SchemaVersions: ">= 1.0.0, < 2.0.0",
	},
	DatasetSupplierDeclaration: {
		Methods:        allMethods,
		Scopes:         []Scope{ScopeSupplier, ScopeProduct, ScopeShipment},
		MinRetention:   Retain5Y,
		SchemaVersions: ">= 1.0.0, < 2.0.0",
	},
	DatasetEmissionData: {
		Methods:        allMethods,
		Scopes:         []Scope{ScopeOrganization, ScopeSite, ScopeProduct, ScopeShipment},
		MinRetention:   Retain7Y,
		SchemaVersions: ">= 1.0.0, < 3.0.0",
	},
	DatasetImportDeclaration: {
		Methods:        []IngestionMethod{MethodFileUpload, MethodERPAPI, MethodAPIPush, MethodConnectorSync},
		Scopes:         []Scope{ScopeShipment, ScopeProduct},
		MinRetention:   Retain7Y,
		SchemaVersions: ">= 1.0.0, < 2.0.0",
	},
	DatasetProductionData: {
		Methods:        []IngestionMethod{MethodManualEntry, MethodFileUpload, MethodERPAPI, MethodAPIPush, MethodConnectorSync},
		Scopes:         []Scope{ScopeSite, ScopeProduct},
		MinRetention:   Retain5Y,
		SchemaVersions: ">= 1.0.0, < 2.0.0",
	},
	DatasetTestReport: {
		Methods:        []IngestionMethod{MethodFileUpload, MethodAPIPush, MethodSupplierPortal},
		Scopes:         []Scope{ScopeProduct, ScopeSite},
		MinRetention:   Retain5Y,
		SchemaVersions: ">= 1.0.0, < 2.0.0",
	},
}

// DefaultSchemaVersion is assumed when a declaration omits schema_version.
const DefaultSchemaVersion = "1.0.0"

// MethodAllowed reports whether method may carry dataset.
func MethodAllowed(dataset DatasetType, method IngestionMethod) bool {
	rule, ok := Matrix[dataset]
	return ok && slices.Contains(rule.Methods, method)
}

// ScopeAllowed reports whether scope is meaningful for dataset.
func ScopeAllowed(dataset DatasetType, scope Scope) bool {
	rule, ok := Matrix[dataset]
	return ok && slices.Contains(rule.Scopes, scope)
}

// ResolveSchemaVersion parses the declared version (or the default) and checks
// it against the dataset's supported range.
func ResolveSchemaVersion(dataset DatasetType, declared string) (*semver.Version, bool) {
	if declared == "" {
		declared = DefaultSchemaVersion
	}
	v, err := semver.NewVersion(declared)
	if err != nil {
		return nil, false
	}
	rule, ok := Matrix[dataset]
	if !ok {
		return v, false
	}
	c, err := semver.NewConstraint(rule.SchemaVersions)
	if err != nil {
		return v, false
	}
	return v, c.Check(v)
}
