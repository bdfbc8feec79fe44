package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, tel.Registry)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_EnabledRegistersMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojodb-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	counter, err := tel.Meter.Int64Counter("gojodb.test.pages")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	_, span := tel.Tracer.Start(context.Background(), "checkpoint")
	span.End()

	families, err := tel.Registry.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "gojodb_test_pages") {
			found = true
		}
	}
	require.True(t, found)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	require.Error(t, Config{Enabled: true}.Validate())
	require.Error(t, Config{Enabled: true, ServiceName: "x", PrometheusPort: 70000}.Validate())
	require.Error(t, Config{Enabled: true, ServiceName: "x", TraceSampleRatio: 2}.Validate())
	require.NoError(t, Config{Enabled: true, ServiceName: "x", PrometheusPort: 9100, TraceSampleRatio: 0.5}.Validate())
}
