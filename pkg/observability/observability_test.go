package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "evidence-ledger", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackOperationDisabled(t *testing.T) {
	p := Disabled()
	ctx, done := p.TrackOperation(context.Background(), "ledger.seal", attribute.String("tenant_id", "acme"))
	require.NotNil(t, ctx)
	done(nil)

	_, done = p.TrackOperation(context.Background(), "ledger.seal")
	done(errors.New("boom"))

	p.BackfillSynthesized(context.Background(), "acme", 3)
	p.ChainBroken(context.Background(), "acme")
	p.ReconcileQuarantined(context.Background(), "acme", 1)
}
