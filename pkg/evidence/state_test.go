package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordIn(status Status, sealed bool) *Record {
	r := &Record{Status: status}
	if sealed {
		ts := time.Now()
		r.SealedAtUTC = &ts
	}
	return r
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		status  Status
		sealed  bool
		action  Action
		next    Status
		noop    bool
		refusal Refusal
	}{
		{"seal ingested", StatusIngested, false, ActionSeal, StatusSealed, false, ""},
		{"seal sealed", StatusSealed, true, ActionSeal, "", false, RefusalAlreadySealed},
		{"seal superseded", StatusSuperseded, true, ActionSeal, "", false, RefusalAlreadySealed},
		{"seal rejected", StatusRejected, false, ActionSeal, "", false, RefusalInvalidTransition},
		{"seal quarantined unsealed", StatusQuarantined, false, ActionSeal, "", false, RefusalInvalidTransition},
		{"reject ingested", StatusIngested, false, ActionReject, StatusRejected, false, ""},
		{"reject sealed", StatusSealed, true, ActionReject, "", false, RefusalInvalidTransition},
		{"quarantine ingested", StatusIngested, false, ActionQuarantine, StatusQuarantined, false, ""},
		{"quarantine sealed", StatusSealed, true, ActionQuarantine, StatusQuarantined, false, ""},
		{"quarantine superseded", StatusSuperseded, true, ActionQuarantine, StatusQuarantined, false, ""},
		{"quarantine twice", StatusQuarantined, false, ActionQuarantine, StatusQuarantined, true, ""},
		{"quarantine rejected", StatusRejected, false, ActionQuarantine, "", false, RefusalInvalidTransition},
		{"supersede sealed", StatusSealed, true, ActionSupersede, StatusSuperseded, false, ""},
		{"supersede ingested", StatusIngested, false, ActionSupersede, "", false, RefusalInvalidTransition},
		{"supersede quarantined", StatusQuarantined, true, ActionSupersede, "", false, RefusalInvalidTransition},
		{"amend ingested", StatusIngested, false, ActionAmend, StatusIngested, false, ""},
		{"amend sealed", StatusSealed, true, ActionAmend, "", false, RefusalSealedImmutable},
		{"amend quarantined after seal", StatusQuarantined, true, ActionAmend, "", false, RefusalSealedImmutable},
		{"amend rejected", StatusRejected, false, ActionAmend, "", false, RefusalInvalidTransition},
		{"provenance on sealed", StatusSealed, true, ActionCorrectProvenance, StatusSealed, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Transition(recordIn(tt.status, tt.sealed), tt.action)
			if tt.refusal != "" {
				var te *TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.refusal, te.Refusal)
				assert.Equal(t, tt.status, te.Current)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.next, out.Next)
			assert.Equal(t, tt.noop, out.Noop)
		})
	}
}

func TestTransition_UnknownAction(t *testing.T) {
	_, err := Transition(recordIn(StatusIngested, false), Action("delete"))
	assert.Error(t, err)
}

func TestRecord_CloneIsDeep(t *testing.T) {
	h := "abc"
	r := &Record{
		PayloadHashSHA256: &h,
		Declaration: Declaration{
			PurposeTags: []string{"a"},
			Attributes:  map[string]any{"nested": map[string]any{"k": "v"}},
		},
	}
	c := r.Clone()
	*c.PayloadHashSHA256 = "changed"
	c.Declaration.PurposeTags[0] = "b"
	c.Declaration.Attributes["nested"].(map[string]any)["k"] = "w"

	assert.Equal(t, "abc", *r.PayloadHashSHA256)
	assert.Equal(t, "a", r.Declaration.PurposeTags[0])
	assert.Equal(t, "v", r.Declaration.Attributes["nested"].(map[string]any)["k"])
}

func TestRecord_CountsTowardCompliance(t *testing.T) {
	assert.True(t, (&Record{Status: StatusSealed}).CountsTowardCompliance())
	assert.False(t, (&Record{Status: StatusQuarantined}).CountsTowardCompliance())
	assert.False(t, (&Record{Status: StatusSealed, ProvenanceIncomplete: true}).CountsTowardCompliance())
	assert.False(t, (&Record{Status: StatusSuperseded}).CountsTowardCompliance())
}
