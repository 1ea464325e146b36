package otel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"circuit/observability/otel"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := otel.Init(context.Background(), otel.Config{ServiceName: "circuitd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = otel.Init(context.Background(), otel.Config{})
	require.Error(t, err)
}

func TestParseHeaders(t *testing.T) {
	got := otel.ParseHeaders("authorization=Bearer x, ,bad,=skip,team = circuit")
	require.Equal(t, map[string]string{"authorization": "Bearer x", "team": "circuit"}, got)
}
