// Package format converts scanned records into the bundles consumed
// downstream: the timestamped default bundle and the tabular bundle
// understood by Redash URL data sources.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conneroisu/xfailflake/internal/types"
)

// TimestampLayout renders the default bundle timestamp as YYYY.MM.DD HH:MM.
const TimestampLayout = "2006.01.02 15:04"

// ColumnType is the only column type the tabular bundle uses.
const ColumnType = "string"

// Kind selects the bundle shape.
type Kind string

const (
	KindDefault Kind = "default"
	KindRedash  Kind = "redash"
)

// Encoding selects how a bundle is written.
type Encoding string

const (
	EncodingJSON       Encoding = "json"
	EncodingJSONPretty Encoding = "json-pretty"
	EncodingYAML       Encoding = "yaml"
)

var friendlyNames = map[string]string{
	types.FieldTest:   "Test",
	types.FieldTicket: "JIRA ticket",
	types.FieldFile:   "File",
	types.FieldRepo:   "Repository",
	types.FieldBranch: "Branch",
	types.FieldSince:  "Muted since",
}

// DefaultBundle is the timestamped record dump.
type DefaultBundle struct {
	Timestamp   string                   `json:"timestamp" yaml:"timestamp"`
	Repo        string                   `json:"repo" yaml:"repo"`
	XFailFlakes []types.AnnotationRecord `json:"xfailflakes" yaml:"xfailflakes"`
}

// Column describes one tabular column.
type Column struct {
	Name         string `json:"name" yaml:"name"`
	Type         string `json:"type" yaml:"type"`
	FriendlyName string `json:"friendly_name" yaml:"friendly_name"`
}

// TabularBundle is the dashboard wire format: exactly columns and rows.
type TabularBundle struct {
	Columns []Column                 `json:"columns" yaml:"columns"`
	Rows    []types.AnnotationRecord `json:"rows" yaml:"rows"`
}

// Default builds the default bundle, stamped with the current local time.
func Default(records []types.AnnotationRecord, repo string) DefaultBundle {
	return DefaultAt(records, repo, time.Now())
}

// DefaultAt builds the default bundle stamped with now.
func DefaultAt(records []types.AnnotationRecord, repo string, now time.Time) DefaultBundle {
	return DefaultBundle{
		Timestamp:   now.Format(TimestampLayout),
		Repo:        repo,
		XFailFlakes: nonNil(records),
	}
}

// Tabular builds the tabular bundle whose columns follow the schema's
// declared field order.
func Tabular(records []types.AnnotationRecord, schema types.SchemaVersion) TabularBundle {
	return TabularBundle{
		Columns: Columns(schema),
		Rows:    nonNil(records),
	}
}

// Columns returns the column descriptors for a schema version.
func Columns(schema types.SchemaVersion) []Column {
	if !schema.Valid() {
		schema = types.SchemaBase
	}
	fields := schema.Fields()
	columns := make([]Column, 0, len(fields))
	for _, name := range fields {
		columns = append(columns, Column{
			Name:         name,
			Type:         ColumnType,
			FriendlyName: friendlyNames[name],
		})
	}
	return columns
}

// Build returns the bundle of the requested kind.
func Build(kind Kind, records []types.AnnotationRecord, repo string, schema types.SchemaVersion) (interface{}, error) {
	switch kind {
	case KindDefault, "":
		return Default(records, repo), nil
	case KindRedash:
		return Tabular(records, schema), nil
	}
	return nil, fmt.Errorf("unknown bundle format %q", kind)
}

// Encode writes bundle to w using enc. JSON output is compact and newline
// terminated; YAML output keeps record fields in declared order.
func Encode(w io.Writer, bundle interface{}, enc Encoding) error {
	switch enc {
	case EncodingJSON, "":
		data, err := json.Marshal(bundle)
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		_, err = w.Write(append(data, '\n'))
		return err
	case EncodingJSONPretty:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(bundle)
	case EncodingYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(bundle); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return encoder.Close()
	}
	return fmt.Errorf("unknown encoding %q", enc)
}

// ParsedTabular is a decoded tabular bundle. Rows keep every key present in
// the source document.
type ParsedTabular struct {
	Columns []Column            `json:"columns"`
	Rows    []map[string]string `json:"rows"`
}

// ParseTabular decodes a tabular bundle and checks that every row carries
// exactly the declared columns.
func ParseTabular(data []byte) (*ParsedTabular, error) {
	var parsed ParsedTabular
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode tabular bundle: %w", err)
	}
	if parsed.Columns == nil || parsed.Rows == nil {
		return nil, fmt.Errorf("tabular bundle requires columns and rows")
	}
	for i, row := range parsed.Rows {
		if len(row) != len(parsed.Columns) {
			return nil, fmt.Errorf("row %d has %d fields, want %d", i, len(row), len(parsed.Columns))
		}
		for _, col := range parsed.Columns {
			if _, ok := row[col.Name]; !ok {
				return nil, fmt.Errorf("row %d is missing column %q", i, col.Name)
			}
		}
	}
	return &parsed, nil
}

func nonNil(records []types.AnnotationRecord) []types.AnnotationRecord {
	if records == nil {
		return []types.AnnotationRecord{}
	}
	return records
}
