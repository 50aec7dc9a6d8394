package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveRPC(t *testing.T) {
	Init()
	before := testutil.ToFloat64(rpcErrors.WithLabelValues("test-node", "get_header"))

	ObserveRPC("test-node", "get_header", time.Now(), nil)
	ObserveRPC("test-node", "get_header", time.Now(), errors.New("boom"))

	assert.Equal(t, before+1, testutil.ToFloat64(rpcErrors.WithLabelValues("test-node", "get_header")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(rpcRequests.WithLabelValues("test-node", "get_header")), 2.0)
}

func TestSetNodeHealthy(t *testing.T) {
	SetNodeHealthy("n1", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(nodeHealthy.WithLabelValues("n1")))

	SetNodeHealthy("n1", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(nodeHealthy.WithLabelValues("n1")))
}

func TestWitnessDecoded(t *testing.T) {
	Init()
	before := testutil.ToFloat64(witnessDecoded.WithLabelValues("settlement"))
	WitnessDecoded("settlement")
	assert.Equal(t, before+1, testutil.ToFloat64(witnessDecoded.WithLabelValues("settlement")))
}

func TestErrorRecorded(t *testing.T) {
	Init()
	before := testutil.ToFloat64(errorsHandled.WithLabelValues("NotFound", "Low"))
	ErrorRecorded("NotFound", "Low")
	ErrorRecorded("NotFound", "Low")
	assert.Equal(t, before+2, testutil.ToFloat64(errorsHandled.WithLabelValues("NotFound", "Low")))
}
