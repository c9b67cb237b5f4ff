package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// printMetrics renders the current value of every telemetry instrument.
func printMetrics(ctx context.Context, out io.Writer, e *env) error {
	if e.telemetry == nil {
		printf(out, "Telemetry is disabled (set telemetry.enabled in the config).\n")
		return nil
	}
	rm, err := e.telemetry.Collect(ctx)
	if err != nil {
		return exitError(exitRuntime, "collecting metrics: %v", err)
	}

	var rows [][]string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			rows = append(rows, []string{m.Name, metricValue(m.Data)})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	printf(out, "%s\n", renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
	return nil
}

func metricValue(data metricdata.Aggregation) string {
	switch d := data.(type) {
	case metricdata.Sum[int64]:
		var total int64
		for _, dp := range d.DataPoints {
			total += dp.Value
		}
		return strconv.FormatInt(total, 10)
	case metricdata.Sum[float64]:
		var total float64
		for _, dp := range d.DataPoints {
			total += dp.Value
		}
		return strconv.FormatFloat(total, 'f', 2, 64)
	case metricdata.Histogram[float64]:
		var (
			count uint64
			sum   float64
		)
		for _, dp := range d.DataPoints {
			count += dp.Count
			sum += dp.Sum
		}
		if count == 0 {
			return "0"
		}
		return fmt.Sprintf("n=%d avg=%.1f", count, sum/float64(count))
	default:
		return "-"
	}
}
