package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	before := testutil.ToFloat64(TriggerRequests.WithLabelValues("418"))
	ObserveTrigger(418)
	assert.Equal(t, before+1, testutil.ToFloat64(TriggerRequests.WithLabelValues("418")))

	before = testutil.ToFloat64(HousekeepingRows.WithLabelValues("test"))
	ObserveHousekeeping("test", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(HousekeepingRows.WithLabelValues("test")))
}
