// Package types provides the record types shared by the scanner, the format
// adapters, the history store and the server.
// This package contains shared types to avoid circular dependencies between packages.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conneroisu/xfailflake/internal/errors"
)

// SchemaVersion selects which optional record attributes are populated and
// how many groups the annotation pattern captures.
type SchemaVersion int

const (
	// SchemaBase captures {ticket, test}; repo lives on the bundle only.
	SchemaBase SchemaVersion = iota + 1
	// SchemaTagged captures {ticket, test} and tags rows with repo and branch.
	SchemaTagged
	// SchemaExtended captures {ticket, since, test} plus repo and branch.
	SchemaExtended
)

// Field names, exactly as they appear in bundles and history columns.
const (
	FieldTest   = "test"
	FieldTicket = "ticket"
	FieldFile   = "file"
	FieldRepo   = "repo"
	FieldBranch = "branch"
	FieldSince  = "since"
)

// String returns the configuration name of the schema version
func (v SchemaVersion) String() string {
	switch v {
	case SchemaBase:
		return "base"
	case SchemaTagged:
		return "tagged"
	case SchemaExtended:
		return "extended"
	default:
		return "unknown"
	}
}

// Valid reports whether v is one of the known schema versions.
func (v SchemaVersion) Valid() bool {
	return v >= SchemaBase && v <= SchemaExtended
}

// Arity is the number of groups a raw match must carry for this version.
func (v SchemaVersion) Arity() int {
	if v == SchemaExtended {
		return 3
	}
	return 2
}

// HasProvenance reports whether records carry repo and branch per row.
func (v SchemaVersion) HasProvenance() bool {
	return v == SchemaTagged || v == SchemaExtended
}

// HasSince reports whether records carry the muted-since token.
func (v SchemaVersion) HasSince() bool {
	return v == SchemaExtended
}

// Fields returns the record fields of this version in declared order. The
// tabular bundle columns follow this order verbatim.
func (v SchemaVersion) Fields() []string {
	fields := []string{FieldTest, FieldTicket, FieldFile}
	if v.HasProvenance() {
		fields = append(fields, FieldRepo, FieldBranch)
	}
	if v.HasSince() {
		fields = append(fields, FieldSince)
	}
	return fields
}

// ParseSchemaVersion accepts either the name or the number of a version.
func ParseSchemaVersion(s string) (SchemaVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "1", "v1":
		return SchemaBase, nil
	case "tagged", "2", "v2":
		return SchemaTagged, nil
	case "extended", "3", "v3":
		return SchemaExtended, nil
	}
	return 0, fmt.Errorf("unknown schema version %q (want base, tagged or extended)", s)
}

// MarshalText lets the version round-trip through YAML and JSON as its name.
func (v SchemaVersion) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("invalid schema version %s", strconv.Itoa(int(v)))
	}
	return []byte(v.String()), nil
}

// UnmarshalText parses a version name.
func (v *SchemaVersion) UnmarshalText(text []byte) error {
	parsed, err := ParseSchemaVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// RawMatch holds the captured groups of one annotation match in capture
// order: {ticket, test} or {ticket, since, test}.
type RawMatch []string

// AnnotationRecord describes one xfailflake-marked test. Records are values:
// they are built once by the scanner and never mutated afterwards.
type AnnotationRecord struct {
	// File is the path relative to the scan root, always starting with "/"
	File string
	// Test is the name of the test function declared after the annotation
	Test string
	// Ticket is the tracking-ticket identifier captured from the annotation
	Ticket string
	// Since is the free-form muted-since token (extended schema only)
	Since string
	// Repo identifies the scanned repository
	Repo string
	// Branch is the branch checked out for the scan (tagged and extended)
	Branch string
	// Schema selects which of the optional fields are live
	Schema SchemaVersion
}

// Values returns the live fields of the record keyed by field name.
func (r AnnotationRecord) Values() map[string]string {
	values := make(map[string]string, 6)
	for _, field := range r.Schema.Fields() {
		values[field] = r.Get(field)
	}
	return values
}

// Get returns the value of a named field, or "" for unknown names.
func (r AnnotationRecord) Get(field string) string {
	switch field {
	case FieldTest:
		return r.Test
	case FieldTicket:
		return r.Ticket
	case FieldFile:
		return r.File
	case FieldRepo:
		return r.Repo
	case FieldBranch:
		return r.Branch
	case FieldSince:
		return r.Since
	}
	return ""
}

// MarshalJSON writes exactly the fields of the record's schema version.
func (r AnnotationRecord) MarshalJSON() ([]byte, error) {
	schema := r.Schema
	if !schema.Valid() {
		schema = SchemaBase
	}

	var b strings.Builder
	b.WriteByte('{')
	for i, field := range schema.Fields() {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(field)
		val, err := json.Marshal(r.Get(field))
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// MarshalYAML renders the record as a mapping of its live fields in
// declared order.
func (r AnnotationRecord) MarshalYAML() (interface{}, error) {
	schema := r.Schema
	if !schema.Valid() {
		schema = SchemaBase
	}
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, field := range schema.Fields() {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: field},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: r.Get(field)},
		)
	}
	return node, nil
}

// Validate checks that every mandatory field of the record's schema is
// non-empty. The returned error is a malformed-match error carrying the file.
func (r AnnotationRecord) Validate() error {
	required := []string{FieldFile, FieldTest, FieldTicket}
	if r.Schema.HasSince() {
		required = append(required, FieldSince)
	}
	var missing []string
	for _, field := range required {
		if r.Get(field) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return errors.NewMalformedMatchError(errors.ErrCodeEmptyField, r.File, nil,
		fmt.Sprintf("empty %s", strings.Join(missing, ", ")))
}

// HistoryRow is the durable representation of a record: the scanned fields
// plus the timestamp assigned by the database on insert.
type HistoryRow struct {
	AnnotationRecord
	// CreatedAt is the server-generated "timestamp" column
	CreatedAt time.Time
}

// MarshalJSON writes every stored column, including the timestamp.
func (h HistoryRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Test      string    `json:"test"`
		Ticket    string    `json:"ticket"`
		File      string    `json:"file"`
		Repo      string    `json:"repo"`
		Branch    string    `json:"branch"`
		Since     string    `json:"since"`
		Timestamp time.Time `json:"timestamp"`
	}{h.Test, h.Ticket, h.File, h.Repo, h.Branch, h.Since, h.CreatedAt})
}

// MarshalYAML mirrors MarshalJSON; without it the embedded record's
// marshaler would drop the timestamp.
func (h HistoryRow) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	pairs := [][2]string{
		{FieldTest, h.Test},
		{FieldTicket, h.Ticket},
		{FieldFile, h.File},
		{FieldRepo, h.Repo},
		{FieldBranch, h.Branch},
		{FieldSince, h.Since},
		{"timestamp", h.CreatedAt.UTC().Format(time.RFC3339)},
	}
	for _, p := range pairs {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p[0]},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p[1]},
		)
	}
	return node, nil
}
