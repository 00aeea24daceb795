package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/nicktill/tinypal/pkg/config"
)

// sample is one line of Prometheus text output.
type sample struct {
	labels map[string]string
	value  float64
}

// family is a named group of samples sharing HELP and TYPE.
type family struct {
	name    string
	help    string
	typ     string
	samples []sample
}

// HandlePrometheusMetrics exports the collector's own counters and the
// stored event totals in Prometheus text format, so a scraper can watch
// ingestion without reading events.
//
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func (h *Handler) HandlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestStatsTimeout)
	defer cancel()

	families := h.ingestFamilies()

	stats, err := h.storage.Stats(ctx)
	if err != nil {
		h.logger.Warn("failed to read storage stats for metrics", "error", err)
	} else {
		byType := family{
			name: "tinypal_stored_events",
			help: "Events currently stored, by event type.",
			typ:  "gauge",
		}
		for typ, n := range stats.EventsByType {
			byType.samples = append(byType.samples, sample{
				labels: map[string]string{"type": typ},
				value:  float64(n),
			})
		}
		families = append(families,
			family{
				name:    "tinypal_storage_events_total",
				help:    "Events currently stored.",
				typ:     "gauge",
				samples: []sample{{value: float64(stats.TotalEvents)}},
			},
			family{
				name:    "tinypal_storage_size_bytes",
				help:    "Approximate size of stored events.",
				typ:     "gauge",
				samples: []sample{{value: float64(stats.SizeBytes)}},
			},
			byType,
		)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeFamilies(w, families)
}

func (h *Handler) ingestFamilies() []family {
	s := h.Stats()
	card := h.tracker.Stats()

	counter := func(name, help string, v uint64) family {
		return family{name: name, help: help, typ: "counter", samples: []sample{{value: float64(v)}}}
	}
	return []family{
		counter("tinypal_events_received_total", "Events received by the collector.", s.EventsReceived),
		counter("tinypal_events_stored_total", "Events written to storage.", s.EventsStored),
		counter("tinypal_events_rejected_total", "Events refused by validation or storage.", s.EventsRejected),
		counter("tinypal_batches_received_total", "Batches handed to ingest.", s.BatchesReceived),
		counter("tinypal_batches_undecodable_total", "TESP payloads that were not an event array.", s.BatchesUndecodable),
		{
			name:    "tinypal_series",
			help:    "Distinct group and type pairs seen in the retention window.",
			typ:     "gauge",
			samples: []sample{{value: float64(card.TotalSeries)}},
		},
	}
}

// writeFamilies writes families sorted by name with samples in label order.
func writeFamilies(w io.Writer, families []family) {
	sort.Slice(families, func(i, j int) bool { return families[i].name < families[j].name })

	for _, f := range families {
		if len(f.samples) == 0 {
			continue
		}
		fmt.Fprintf(w, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", f.name, f.typ)

		sort.Slice(f.samples, func(i, j int) bool {
			return formatPrometheusLabels(f.samples[i].labels) < formatPrometheusLabels(f.samples[j].labels)
		})
		for _, s := range f.samples {
			fmt.Fprintf(w, "%s%s %v\n", f.name, formatPrometheusLabels(s.labels), s.value)
		}
		fmt.Fprintf(w, "\n")
	}
}

// formatPrometheusLabels formats labels in Prometheus format: {key="value",key2="value2"}
func formatPrometheusLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	// Filter out internal labels (those starting with __)
	userLabels := make(map[string]string)
	for k, v := range labels {
		if len(k) > 0 && k[0] != '_' {
			userLabels[k] = v
		}
	}

	if len(userLabels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(userLabels))
	for k := range userLabels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, escapePrometheusValue(userLabels[k])))
	}

	return "{" + strings.Join(pairs, ",") + "}"
}

// escapePrometheusValue escapes backslash, double-quote and line feed
func escapePrometheusValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
