// Package internal contains the implementation packages of the xfailflake
// command.
//
// # Package Organization
//
//   - types: AnnotationRecord, HistoryRow and the schema versions
//   - errors: typed errors and the per-scan issue collector
//   - logging: slog-backed structured logger
//   - config: viper-backed configuration and validation
//   - scanner: file enumeration, decoding, matching and normalization
//   - format: default and tabular bundles, JSON and YAML encoding
//   - history: append-only history table on Postgres/Redshift
//   - archive: bundle uploads to S3-compatible storage
//   - repo: local directories and remote clones as scan roots
//   - watcher: debounced filesystem notifications
//   - server: HTTP responder and websocket feed
//   - version: build information
//
// # Data Flow
//
// The repo package turns a repository argument into a directory. The
// scanner pipeline walks it sequentially and yields records in enumeration
// order, then source order within a file. Records are immutable values
// from then on: the format package renders them, the history store inserts
// them, and the server serves them. Nothing is sorted or de-duplicated
// along the way.
//
// # Failure Policy
//
// Unreadable files and malformed matches either abort the scan or are
// logged and skipped, per scan.on_unreadable and scan.on_malformed.
// Persistence errors are returned to the caller and never retried.
package internal
