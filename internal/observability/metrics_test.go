package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/tagwire/internal/protocol/session"
	"github.com/danmuck/tagwire/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("tagwire-a", "GET", "/healthz", 200, 12*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequests.WithLabelValues("tagwire-a", "GET", "/healthz", "200")))
}

func TestSessionRecorderCounts(t *testing.T) {
	testlog.Start(t)
	rec := NewSessionRecorder()
	var _ session.Recorder = rec

	role := "recorder-test"
	rec.FrameReceived(role)
	rec.FrameDropped(role, session.DropMalformed)
	rec.FrameDropped(role, session.DropMalformed)
	rec.FrameSent(role, "echo")
	rec.FrameSent(role, "response")
	rec.PendingOpened(role)
	rec.PendingOpened(role)
	rec.PendingClosed(role, session.PendingAnswered)
	rec.Dispatched(role, time.Millisecond, nil)
	rec.Dispatched(role, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(framesReceived.WithLabelValues(role)))
	assert.Equal(t, 2.0, testutil.ToFloat64(framesDropped.WithLabelValues(role, session.DropMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(framesSent.WithLabelValues(role, "request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(framesSent.WithLabelValues(role, "response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pendingOpen.WithLabelValues(role)))
	assert.Equal(t, 1.0, testutil.ToFloat64(pendingClosed.WithLabelValues(role, session.PendingAnswered)))
}

func TestConnectionOpenedCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	role := "conn-test"
	done := ConnectionOpened(role)
	assert.Equal(t, 1.0, testutil.ToFloat64(connectionsActive.WithLabelValues(role)))
	done()
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(connectionsActive.WithLabelValues(role)))
	assert.Equal(t, 1.0, testutil.ToFloat64(connectionsTotal.WithLabelValues(role)))
}

func TestInitLoggerTagsApp(t *testing.T) {
	testlog.Start(t)
	logger := InitLogger("tagwire-test")
	logger.Debug().Msg("observability.InitLogger ok")
}
