package gateway

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/dorkalev/forge-control/internal/autopilot"
)

// counters are process-lifetime totals kept by the gateway.
type counters struct {
	cleanupOK      atomic.Int64
	cleanupPartial atomic.Int64
	cleanupRefused atomic.Int64
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeMetrics(w, s.autopilot.Status(r.Context()), s.metrics)
}

// writeMetrics writes autopilot state in Prometheus text format.
func writeMetrics(w io.Writer, st autopilot.Status, c *counters) {
	writeHelp(w, "forge_autopilot_enabled", "Whether the reconciliation loop is enabled")
	writeType(w, "forge_autopilot_enabled", "gauge")
	writeGauge(w, "forge_autopilot_enabled", boolGauge(st.Enabled))

	writeHelp(w, "forge_autopilot_polling", "Whether a tick is in flight")
	writeType(w, "forge_autopilot_polling", "gauge")
	writeGauge(w, "forge_autopilot_polling", boolGauge(st.IsPolling))

	writeHelp(w, "forge_max_parallel_agents", "Configured agent limit")
	writeType(w, "forge_max_parallel_agents", "gauge")
	writeGauge(w, "forge_max_parallel_agents", float64(st.MaxParallelAgents))

	writeHelp(w, "forge_poll_interval_seconds", "Configured poll interval")
	writeType(w, "forge_poll_interval_seconds", "gauge")
	writeGauge(w, "forge_poll_interval_seconds", float64(st.PollIntervalSeconds))

	writeHelp(w, "forge_running_agents", "Live agent sessions")
	writeType(w, "forge_running_agents", "gauge")
	writeGauge(w, "forge_running_agents", float64(st.RunningAgentsCount))

	if t := st.LastTick; t != nil {
		writeHelp(w, "forge_last_tick_duration_seconds", "Duration of the most recent tick")
		writeType(w, "forge_last_tick_duration_seconds", "gauge")
		writeGauge(w, "forge_last_tick_duration_seconds", t.FinishedAt.Sub(t.StartedAt).Seconds())

		writeHelp(w, "forge_last_tick_items", "Work items seen by the most recent tick by stage")
		writeType(w, "forge_last_tick_items", "gauge")
		writeGaugeLabeled(w, "forge_last_tick_items", float64(t.OpenPRs), "stage", "open")
		writeGaugeLabeled(w, "forge_last_tick_items", float64(t.Eligible), "stage", "eligible")
		writeGaugeLabeled(w, "forge_last_tick_items", float64(t.NeedsAgent), "stage", "needs_agent")
		writeGaugeLabeled(w, "forge_last_tick_items", float64(len(t.Spawned)), "stage", "spawned")
		writeGaugeLabeled(w, "forge_last_tick_items", float64(len(t.Skipped)), "stage", "skipped")

		writeHelp(w, "forge_last_tick_failed", "Whether the most recent tick ended with an error")
		writeType(w, "forge_last_tick_failed", "gauge")
		writeGauge(w, "forge_last_tick_failed", boolGauge(t.Error != ""))
	}

	writeHelp(w, "forge_cleanups_total", "Cleanup requests served by result")
	writeType(w, "forge_cleanups_total", "counter")
	writeCounter(w, "forge_cleanups_total", c.cleanupOK.Load(), "result", "ok")
	writeCounter(w, "forge_cleanups_total", c.cleanupPartial.Load(), "result", "partial")
	writeCounter(w, "forge_cleanups_total", c.cleanupRefused.Load(), "result", "refused")
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func writeHelp(w io.Writer, name, help string) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
}

func writeType(w io.Writer, name, metricType string) {
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
}

func writeCounter(w io.Writer, name string, value int64, labelPairs ...string) {
	if len(labelPairs) == 0 {
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
		return
	}
	_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, formatLabels(labelPairs), value)
}

func writeGauge(w io.Writer, name string, value float64) {
	_, _ = fmt.Fprintf(w, "%s %g\n", name, value)
}

func writeGaugeLabeled(w io.Writer, name string, value float64, labelPairs ...string) {
	_, _ = fmt.Fprintf(w, "%s{%s} %g\n", name, formatLabels(labelPairs), value)
}

// formatLabels formats label key-value pairs for Prometheus output.
func formatLabels(pairs []string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", pairs[i], escapeLabel(pairs[i+1])))
	}
	return strings.Join(parts, ",")
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(s string) string {
	return labelEscaper.Replace(s)
}
