package tenants

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
)

func TestGuard_Scope(t *testing.T) {
	g := NewGuard(nil)
	rec := &evidence.Record{RecordID: "r1", TenantID: "acme"}

	got, err := g.Scope("acme", rec)
	require.NoError(t, err)
	assert.Same(t, rec, got)

	_, errOther := g.Scope("globex", rec)
	_, errMissing := g.Scope("globex", nil)
	assert.ErrorIs(t, errOther, ErrNotFound)
	assert.Equal(t, errMissing, errOther, "foreign and absent records are indistinguishable")
}

func TestGuard_Filter(t *testing.T) {
	g := NewGuard(nil)
	recs := []*evidence.Record{
		{RecordID: "1", TenantID: "acme"},
		{RecordID: "2", TenantID: "globex"},
		nil,
		{RecordID: "3", TenantID: "acme"},
	}
	out := g.Filter("acme", recs)
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].RecordID)
	assert.Equal(t, "3", out[1].RecordID)
	assert.Equal(t, "2", recs[1].RecordID, "input slice untouched")
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("acme-eu_1.prod"))
	assert.ErrorIs(t, ValidateID(""), ErrInvalidTenant)
	assert.ErrorIs(t, ValidateID("-leading"), ErrInvalidTenant)
	assert.ErrorIs(t, ValidateID("has space"), ErrInvalidTenant)
}

func TestDirectory(t *testing.T) {
	d := NewDirectory("")
	assert.Equal(t, ModeLive, d.ModeOf("unknown"))
	require.NoError(t, d.Set("sandbox", ModeTest))
	assert.Equal(t, ModeTest, d.ModeOf("sandbox"))
	assert.Error(t, d.Set("x", "STAGING"))
	assert.Error(t, d.Set("", ModeTest))
}

func TestParseDirectory(t *testing.T) {
	d, err := ParseDirectory([]byte(`
default_mode: test
tenants:
  - id: acme
    mode: LIVE
  - id: acme-sandbox
    mode: test
`), ModeLive)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, d.ModeOf("acme"))
	assert.Equal(t, ModeTest, d.ModeOf("acme-sandbox"))
	assert.Equal(t, ModeTest, d.ModeOf("other"))
	assert.Len(t, d.Tenants(), 2)
}

func TestParseDirectory_CollectsErrors(t *testing.T) {
	_, err := ParseDirectory([]byte(`
tenants:
  - id: a
    mode: STAGING
  - id: ""
    mode: LIVE
`), ModeLive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenants[0]")
	assert.Contains(t, err.Error(), "tenants[1]")
}

func TestLoadDirectory(t *testing.T) {
	d, err := LoadDirectory("", ModeTest)
	require.NoError(t, err)
	assert.Equal(t, ModeTest, d.ModeOf("x"))

	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants:\n  - id: acme\n    mode: TEST\n"), 0o600))
	d, err = LoadDirectory(path, ModeLive)
	require.NoError(t, err)
	assert.Equal(t, ModeTest, d.ModeOf("acme"))

	_, err = LoadDirectory(filepath.Join(t.TempDir(), "missing.yaml"), ModeLive)
	assert.Error(t, err)
}
