package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smara/backend/internal/metrics"
)

func TestObserveMessage(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObserveMessage("image", metrics.OutcomeAck, time.Now())
	m.ObserveMessage("image", metrics.OutcomeDeadLetter, time.Now())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("image", metrics.OutcomeAck)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLettersTotal.WithLabelValues("image")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObserveMessage("embed", metrics.OutcomeRetry, time.Now())
		m.ObserveUpsert("text")
		m.ObserveSearch("ok", time.Now())
	})
}

func TestHandler(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.ObserveUpsert("audio")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `smara_vectors_upserted_total{modality="audio"} 1`)
}

func TestInitConsumers_ExportsZeroSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.InitConsumers("dispatch", "embed")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `smara_messages_total{consumer="dispatch",outcome="ack"} 0`)
	assert.Contains(t, string(body), `smara_dead_letters_total{consumer="embed"} 0`)
	assert.Contains(t, string(body), `smara_search_requests_total{status="ok"} 0`)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("embed", metrics.OutcomeRetry)))
}
