/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: metrics_test.go
Description: Tests for the telemetry reader and the reporters.
*/

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	rec, err := ParseLine("afl.execs_per_sec:5.1|g")
	require.NoError(t, err)
	assert.Equal(t, Record{Prefix: "afl", Field: "execs_per_sec", Value: 5.1, Type: "g"}, rec)

	rec, err = ParseLine("fuzzing.afl.cycles_done:3|g|#banner:optee,afl_version:4.0\n")
	require.NoError(t, err)
	assert.Equal(t, "fuzzing", rec.Prefix)
	assert.Equal(t, "afl.cycles_done", rec.Field)
	assert.Equal(t, "banner:optee,afl_version:4.0", rec.Tags)

	rec, err = ParseLine("uptime:12|c")
	require.NoError(t, err)
	assert.Equal(t, "uptime", rec.Field)
	assert.Empty(t, rec.Prefix)

	for _, bad := range []string{"", "garbage", ":1|g", "afl.x:abc|g"} {
		_, err := ParseLine(bad)
		assert.ErrorIs(t, err, ErrMalformedRecord, bad)
	}
}

func writeMetricLog(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetricLogName), []byte(content), 0644))
}

func TestReadFileBuildsSeries(t *testing.T) {
	dir := t.TempDir()
	writeMetricLog(t, dir, "afl.execs_per_sec:5.1|g\nafl.paths_total:1|g\n\nnoise\nafl.execs_per_sec:7.2|g\n")

	series, skipped, err := ReadFile(filepath.Join(dir, MetricLogName))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []float64{5.1, 7.2}, series["execs_per_sec"])
	assert.Equal(t, []float64{1}, series["paths_total"])
}

func TestReadBenchmark(t *testing.T) {
	root := t.TempDir()
	writeMetricLog(t, filepath.Join(root, "0"), "afl.execs_per_sec:1|g\n")
	writeMetricLog(t, filepath.Join(root, "10"), "afl.execs_per_sec:3|g\n")
	writeMetricLog(t, filepath.Join(root, "2"), "afl.execs_per_sec:2|g\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "summary.json"), []byte("{}"), 0644))

	data, err := ReadBenchmark(root)
	require.NoError(t, err)
	assert.Len(t, data, 3)
	assert.Equal(t, []string{"0", "2", "10"}, InstanceNames(data))

	selected := Select(data, "execs_per_sec")
	assert.Equal(t, []float64{3}, selected["10"])

	_, err = ReadBenchmark(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestCatalogue(t *testing.T) {
	m, err := Lookup("execs/s")
	require.NoError(t, err)
	assert.Equal(t, "execs_per_sec", m.Field)

	_, err = Lookup("crashes/s")
	assert.Error(t, err)
	assert.Contains(t, Names(), "execs/s")
}

func TestPrometheusReporter(t *testing.T) {
	r := NewPrometheusReporter()
	r.OnStateChange(0, "configured")
	r.OnStateChange(0, "running")
	r.OnStateChange(1, "running")
	r.OnDrained(0, "metric", 24)
	r.OnDrained(0, "metric", 24)
	r.OnError(1, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.running))
	assert.Equal(t, 48.0, testutil.ToFloat64(r.drained.WithLabelValues("metric", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("1")))

	r.OnStateChange(0, "finished")
	r.OnStateChange(0, "finished")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.running))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("finished")))

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "fuzzbench_drained_bytes_total"))
}

func TestCombineAndLoggerReporter(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	prom := NewPrometheusReporter()

	r := Combine(NewLoggerReporter(logrus.NewEntry(logger)), nil, prom)
	r.OnStateChange(4, "running")
	r.OnError(4, errors.New("launch failed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(prom.running))
	require.Len(t, hook.AllEntries(), 2)
	last := hook.LastEntry()
	assert.Equal(t, logrus.DebugLevel, last.Level)
	assert.Equal(t, 4, last.Data["instance"])

	assert.IsType(t, NopReporter{}, Combine())
	assert.IsType(t, prom, Combine(nil, prom))
}
