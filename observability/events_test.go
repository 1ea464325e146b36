package observability_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"circuit/core/events"
	"circuit/core/types"
	"circuit/observability"
)

func TestEventsCountByModule(t *testing.T) {
	m := observability.Events()
	var emitter events.Emitter = m
	before := testutil.ToFloat64(observability.EventCounter("circuit", "circuit.xtx_received_for_exec"))

	emitter.Emit(events.Wrap(&types.Event{Type: "circuit.xtx_received_for_exec"}))
	emitter.Emit(events.Wrap(&types.Event{Type: "circuit.xtx_received_for_exec"}))
	emitter.Emit(events.Wrap(&types.Event{Type: ""}))

	after := testutil.ToFloat64(observability.EventCounter("circuit", "circuit.xtx_received_for_exec"))
	require.Equal(t, before+2, after)
}
