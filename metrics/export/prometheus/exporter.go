package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/idatt2105/chainauth"
	"github.com/idatt2105/chainauth/metrics/export/internaldefs"
)

// MetricsSource is satisfied by *chainauth.Engine.
type MetricsSource interface {
	MetricsSnapshot() chainauth.MetricsSnapshot
	AuditDropped() uint64
}

// Exporter renders engine metrics in the Prometheus text exposition format.
type Exporter struct {
	source MetricsSource
}

func NewExporter(source MetricsSource) *Exporter {
	return &Exporter{source: source}
}

// Handler serves Render as text/plain.
func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the exposition text, or "" when metrics are disabled and no
// audit events were dropped.
func (p *Exporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(4096)

	for _, def := range internaldefs.CounterDefs {
		writeCounter(&b, def.Name, def.Help, snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		raw, ok := snapshot.Histograms[def.ID]
		if !ok {
			continue
		}
		writeHistogram(&b, def.Name, def.Help, internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw)))
	}
	writeCounter(&b, "chainauth_audit_dropped_total", "Audit events dropped by a full dispatcher queue.", dropped)

	return b.String()
}

func writeHeader(b *strings.Builder, name, help, kind string) {
	b.WriteString("# HELP " + name + " " + escapeHelp(help) + "\n")
	b.WriteString("# TYPE " + name + " " + kind + "\n")
}

func writeCounter(b *strings.Builder, name, help string, value uint64) {
	writeHeader(b, name, help, "counter")
	b.WriteString(name + " " + strconv.FormatUint(value, 10) + "\n")
}

func writeHistogram(b *strings.Builder, name, help string, cumulative [8]uint64) {
	writeHeader(b, name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		b.WriteString(name + `_bucket{le="` + le + `"} ` + strconv.FormatUint(cumulative[i], 10) + "\n")
	}
	b.WriteString(name + "_count " + strconv.FormatUint(cumulative[len(cumulative)-1], 10) + "\n")
	// Observation sums are not tracked by the engine.
	b.WriteString(name + "_sum 0\n")
}

func escapeHelp(help string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(help)
}
