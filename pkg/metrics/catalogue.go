/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: catalogue.go
Description: Named metrics understood by the reporting commands.
*/

package metrics

import (
	"fmt"
	"sort"
)

// Metric describes a plottable telemetry field
type Metric struct {
	Field  string
	YLabel string
	Title  string
}

// Catalogue maps user facing metric names to statsd fields
var Catalogue = map[string]Metric{
	"execs/s": {Field: "execs_per_sec", YLabel: "Test case executions per seconds", Title: "Fuzzing speed comparison"},
}

// Lookup resolves a catalogue name
func Lookup(name string) (Metric, error) {
	m, ok := Catalogue[name]
	if !ok {
		return Metric{}, fmt.Errorf("unknown metric %q (known: %v)", name, Names())
	}
	return m, nil
}

// Names lists the catalogue in sorted order
func Names() []string {
	names := make([]string, 0, len(Catalogue))
	for name := range Catalogue {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
