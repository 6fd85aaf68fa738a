/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: telemetry.go
Description: Reader for the statsd telemetry drained into metric.log files. Parses
"prefix.field:value|type[|#tags]" records and groups their values into one series
per field and per instance directory of a benchmark tree.
*/

package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// MetricLogName is the file every instance drains its statsd stream into
const MetricLogName = "metric.log"

// ErrMalformedRecord is returned for a line that is not a statsd record
var ErrMalformedRecord = errors.New("malformed statsd record")

// Record is one statsd sample
type Record struct {
	Prefix string
	Field  string
	Value  float64
	Type   string
	Tags   string
}

// Series maps a field to its values in arrival order
type Series map[string][]float64

// ParseLine parses a single statsd record
func ParseLine(line string) (Record, error) {
	line = strings.TrimSpace(line)
	name, rest, ok := strings.Cut(line, ":")
	if !ok || name == "" {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformedRecord, line)
	}
	raw, kind, _ := strings.Cut(rest, "|")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q: bad value", ErrMalformedRecord, line)
	}

	rec := Record{Field: name, Value: value}
	if prefix, field, ok := strings.Cut(name, "."); ok {
		rec.Prefix, rec.Field = prefix, field
	}
	rec.Type, rec.Tags, _ = strings.Cut(kind, "|")
	rec.Tags = strings.TrimPrefix(rec.Tags, "#")
	return rec, nil
}

// ReadFile reads a metric log. Malformed lines are skipped and counted.
func ReadFile(path string) (Series, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open metric log: %w", err)
	}
	defer file.Close()

	series := Series{}
	skipped := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		rec, err := ParseLine(scanner.Text())
		if err != nil {
			skipped++
			continue
		}
		series[rec.Field] = append(series[rec.Field], rec.Value)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("failed to read metric log: %w", err)
	}
	return series, skipped, nil
}

// ReadBenchmark reads the metric log of every instance directory under root,
// keyed by directory name. Directories without a metric log are ignored.
func ReadBenchmark(root string) (map[string]Series, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list benchmark root: %w", err)
	}
	out := make(map[string]Series)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name(), MetricLogName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		series, _, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		out[entry.Name()] = series
	}
	return out, nil
}

// Select returns the values of field per instance
func Select(data map[string]Series, field string) map[string][]float64 {
	out := make(map[string][]float64, len(data))
	for name, series := range data {
		out[name] = series[field]
	}
	return out
}

// InstanceNames returns the keys of data, numeric names in numeric order first
func InstanceNames[T any](data map[string]T) []string {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, aerr := strconv.Atoi(names[i])
		b, berr := strconv.Atoi(names[j])
		switch {
		case aerr == nil && berr == nil:
			return a < b
		case aerr == nil:
			return true
		case berr == nil:
			return false
		}
		return names[i] < names[j]
	})
	return names
}
