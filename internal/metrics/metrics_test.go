package metrics

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePrometheus(t *testing.T) {
	NodeTotal.WithLabelValues("SUCCEEDED", "SYNC").Inc()
	PlanTotal.WithLabelValues("FAILED").Inc()

	var buf bytes.Buffer
	require.NoError(t, WritePrometheus(&buf))

	out := buf.String()
	assert.Contains(t, out, "orchestra_node_total")
	assert.Contains(t, out, `status="SUCCEEDED"`)
	assert.Contains(t, out, "orchestra_plan_total")
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(AdviseTotal.WithLabelValues("RETRY"))
	AdviseTotal.WithLabelValues("RETRY").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(AdviseTotal.WithLabelValues("RETRY")))
}
