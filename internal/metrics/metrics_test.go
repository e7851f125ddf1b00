package metrics

import (
	"testing"
	"time"

	"github.com/betledger/settlement/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	before := testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "OK"))
	Observe("test_op", time.Now(), nil)
	assert.Equal(t, before+1, testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "OK")))

	busyBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "BUSY"))
	Observe("test_op", time.Now(), types.NewError(types.ErrBusy, "locked"))
	assert.Equal(t, busyBefore+1, testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "BUSY")))
}
