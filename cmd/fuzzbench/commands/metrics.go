/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: metrics.go
Description: Metrics command implementation. Reads the statsd telemetry every instance
of a benchmark recorded and prints one catalogue metric per instance as CSV.
*/

package commands

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/kleascm/optee-fuzzbench/pkg/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ExportMetrics prints the selected metric of a benchmark as CSV
func ExportMetrics(cmd *cobra.Command, args []string) error {
	if viper.GetBool("list") {
		for _, name := range metrics.Names() {
			m, _ := metrics.Lookup(name)
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s (%s)\n", name, m.Title, m.Field)
		}
		return nil
	}

	metric, err := metrics.Lookup(viper.GetString("metric"))
	if err != nil {
		return err
	}
	template, err := buildTemplate()
	if err != nil {
		return err
	}
	root := resolveUnder(template.Root, viper.GetString("dir"))

	data, err := metrics.ReadBenchmark(root)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("no telemetry found under %s", root)
	}
	return writeSeriesCSV(cmd.OutOrStdout(), metrics.Select(data, metric.Field))
}

// writeSeriesCSV writes one column per instance and one row per sample.
// Shorter series leave their trailing cells empty.
func writeSeriesCSV(out io.Writer, series map[string][]float64) error {
	names := metrics.InstanceNames(series)
	w := csv.NewWriter(out)

	header := append([]string{"sample"}, names...)
	if err := w.Write(header); err != nil {
		return err
	}
	rows := 0
	for _, values := range series {
		rows = max(rows, len(values))
	}
	for i := 0; i < rows; i++ {
		row := make([]string, 0, len(names)+1)
		row = append(row, strconv.Itoa(i))
		for _, name := range names {
			cell := ""
			if values := series[name]; i < len(values) {
				cell = strconv.FormatFloat(values[i], 'f', -1, 64)
			}
			row = append(row, cell)
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
