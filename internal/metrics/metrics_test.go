package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver(t *testing.T) {
	before := testutil.ToFloat64(ActiveSubscriptions)
	committed := testutil.ToFloat64(Transactions.WithLabelValues("committed"))

	var o Observer
	o.SubscriptionOpened()
	o.SubscriptionOpened()
	o.SubscriptionClosed()
	o.TransactionFinished("committed")

	assert.Equal(t, before+1, testutil.ToFloat64(ActiveSubscriptions))
	assert.Equal(t, committed+1, testutil.ToFloat64(Transactions.WithLabelValues("committed")))
}

func TestRecordError(t *testing.T) {
	before := testutil.ToFloat64(ErrorFrames.WithLabelValues("true"))
	RecordError(true)
	assert.Equal(t, before+1, testutil.ToFloat64(ErrorFrames.WithLabelValues("true")))
}

func TestServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer("127.0.0.1", 0, "/metrics")
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	FramesReceived.WithLabelValues("SEND").Inc()
	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "stomp_bridge_frames_received_total")

	resp, err = http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Invoke(context.Background()))
	assert.NoError(t, <-done)
}
