package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersByLabel(t *testing.T) {
	m := New()
	m.BatchDone("list_to_host", 3, 7, 120*time.Millisecond)
	m.BatchDone("list_to_host", 1, 2, 80*time.Millisecond)
	m.BatchFailed("host_to_host")
	m.Request("200", 50*time.Millisecond)
	m.Decided("allowed")
	m.Decided("allowed")
	m.Decided("blocked")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.batches.WithLabelValues("list_to_host")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queries.WithLabelValues("list_to_host")))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.services.WithLabelValues("list_to_host")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchErrors.WithLabelValues("host_to_host")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("allowed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.requests))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.BatchDone("x", 1, 1, time.Second)
		m.BatchFailed("x")
		m.Request("500", time.Second)
		m.Decided("blocked")
		m.CatalogLookup(true)
	})
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteFile(filepath.Join(t.TempDir(), "unused.prom")))
}

func TestWriteFile(t *testing.T) {
	m := New()
	m.CatalogLookup(false)
	path := filepath.Join(t.TempDir(), "flowresolver.prom")
	require.NoError(t, m.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `flowresolver_catalog_lookups_total{`), string(data))
	assert.NoError(t, m.WriteFile(""), "an empty path disables the textfile")
}
