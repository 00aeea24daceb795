// Package export provides event backup and restore.
//
// # Formats
//
// JSON backups keep every event field plus export metadata and can be
// re-imported. CSV flattens each event into one row: response time, group,
// experiment id and name, then one column per output name seen in the
// range ("type" first, the rest sorted). CSV is export-only.
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h before end)
//   - end: RFC3339 timestamp (default: now)
//   - group, type: optional filters
//
// Example:
//
//	curl "http://localhost:8080/v1/export?format=csv&type=DOCUMENT_SAVED" -o saves.csv
//
// Import endpoint: POST /v1/import
// Content-Type: application/json
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @backup.json
//
// # Limits
//
//   - Maximum export time range: 30 days
//   - Import writes at most 1000 events per storage write
//   - Imported events must pass the ingest limits and have a timestamp
//     within the last 10 years and no more than a day ahead
//
// Invalid events are skipped and listed in ImportResult.Errors rather than
// failing the whole import.
package export
