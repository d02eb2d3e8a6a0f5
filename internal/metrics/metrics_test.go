package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordListing(t *testing.T) {
	before := testutil.ToFloat64(listingsTotal.WithLabelValues("failure"))
	RecordListing(errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(listingsTotal.WithLabelValues("failure")))
}

func TestRecordTransfer(t *testing.T) {
	before := testutil.ToFloat64(transferBytes.WithLabelValues("upload"))
	RecordTransfer("upload", "COMPLETED", 42)
	RecordTransfer("upload", "FAILED", 0)
	assert.Equal(t, before+42, testutil.ToFloat64(transferBytes.WithLabelValues("upload")))
}

func TestSetQueueLength(t *testing.T) {
	SetQueueLength("download", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(queueLength.WithLabelValues("download")))
}
