// Package history persists scanned records as an append-only log in a
// Postgres-compatible database (Redshift in production).
//
// Every scan appends one row per record; the database assigns the timestamp
// and rows are never updated or deleted. The table's natural key is the full
// row including that timestamp, so repeated scans accumulate history.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/conneroisu/xfailflake/internal/errors"
	"github.com/conneroisu/xfailflake/internal/logging"
	"github.com/conneroisu/xfailflake/internal/types"
)

// DefaultMaxFieldLength is the longest text value stored unchanged.
const DefaultMaxFieldLength = 65535

// Columns lists the inserted columns in order. The timestamp column is
// filled by the database.
var Columns = []string{
	types.FieldTest,
	types.FieldTicket,
	types.FieldFile,
	types.FieldRepo,
	types.FieldBranch,
	types.FieldSince,
}

// DB is the subset of *sql.DB the store needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Options configures a Store.
type Options struct {
	Schema         string
	Table          string
	MaxFieldLength int
}

// Store appends records to the history table.
type Store struct {
	db     DB
	schema string
	table  string
	maxLen int
	logger logging.Logger

	schemaOnce sync.Once
	schemaErr  error
}

// NewStore returns a store writing to <schema>.<table>. Identifiers are
// interpolated into SQL and must already be validated.
func NewStore(db DB, opts Options, logger logging.Logger) *Store {
	if opts.MaxFieldLength <= 0 {
		opts.MaxFieldLength = DefaultMaxFieldLength
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Store{
		db:     db,
		schema: opts.Schema,
		table:  opts.Table,
		maxLen: opts.MaxFieldLength,
		logger: logger.WithComponent("history"),
	}
}

// QualifiedTable returns <schema>.<table>.
func (s *Store) QualifiedTable() string {
	if s.schema == "" {
		return s.table
	}
	return s.schema + "." + s.table
}

// EnsureSchema creates the schema and table when absent. It never alters an
// existing table. The result of the first call is reused.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		if s.schema != "" {
			if _, err := s.db.ExecContext(ctx, createSchemaSQL(s.schema)); err != nil {
				s.schemaErr = errors.NewPersistenceError(errors.ErrCodeSchemaFailed,
					"create schema "+s.schema, err)
				return
			}
		}
		if _, err := s.db.ExecContext(ctx, createTableSQL(s.QualifiedTable(), s.maxLen)); err != nil {
			s.schemaErr = errors.NewPersistenceError(errors.ErrCodeSchemaFailed,
				"create table "+s.QualifiedTable(), err)
			return
		}
		s.logger.Debug(ctx, "History table ready", "table", s.QualifiedTable())
	})
	return s.schemaErr
}

// Sanitize truncates value to the maximum field length in characters. A
// truncation is logged, never reported as an error.
func (s *Store) Sanitize(ctx context.Context, column, value string) string {
	if utf8.RuneCountInString(value) <= s.maxLen {
		return value
	}
	runes := []rune(value)
	s.logger.Warn(ctx, nil, "Truncating over-long field",
		"column", column,
		"length", len(runes),
		"max", s.maxLen)
	return string(runes[:s.maxLen])
}

// RowValues maps a record onto the inserted columns. Fields the record's
// schema does not carry are stored as empty strings.
func (s *Store) RowValues(ctx context.Context, record types.AnnotationRecord) []interface{} {
	values := make([]interface{}, len(Columns))
	for i, column := range Columns {
		values[i] = s.Sanitize(ctx, column, record.Get(column))
	}
	return values
}

// Insert appends one row.
func (s *Store) Insert(ctx context.Context, record types.AnnotationRecord) error {
	if _, err := s.db.ExecContext(ctx, insertSQL(s.QualifiedTable()), s.RowValues(ctx, record)...); err != nil {
		return errors.NewPersistenceError(errors.ErrCodeInsertFailed, "insert history row", err).
			WithFile(record.File)
	}
	s.logger.Info(ctx, "Inserted history row",
		"test", record.Test,
		"ticket", record.Ticket,
		"file", record.File)
	return nil
}

// Append inserts one row per record, each as an independent statement. It
// stops at the first failure and reports how many rows were written; rows
// already written stay.
func (s *Store) Append(ctx context.Context, records []types.AnnotationRecord) (int, error) {
	for i, record := range records {
		if err := s.Insert(ctx, record); err != nil {
			var e *errors.Error
			if pe, ok := err.(*errors.Error); ok {
				e = pe
			} else {
				e = errors.NewPersistenceError(errors.ErrCodeInsertFailed, "insert history row", err)
			}
			e.Message = fmt.Sprintf("%s (%d of %d rows written)", e.Message, i, len(records))
			return i, e.WithContext("written", i)
		}
	}
	return len(records), nil
}

// Filter narrows a history listing.
type Filter struct {
	Repo   string
	Branch string
	Since  time.Time
	Limit  int
}

// List returns stored rows matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]types.HistoryRow, error) {
	query, args := listSQL(s.QualifiedTable(), f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewPersistenceError(errors.ErrCodeQueryFailed, "list history", err)
	}
	defer rows.Close()

	var out []types.HistoryRow
	for rows.Next() {
		var row types.HistoryRow
		if err := rows.Scan(&row.Test, &row.Ticket, &row.File, &row.Repo, &row.Branch, &row.Since, &row.CreatedAt); err != nil {
			return nil, errors.NewPersistenceError(errors.ErrCodeQueryFailed, "scan history row", err)
		}
		row.Schema = types.SchemaExtended
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceError(errors.ErrCodeQueryFailed, "list history", err)
	}
	return out, nil
}

func createSchemaSQL(schema string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + schema
}

func createTableSQL(table string, maxLen int) string {
	varchar := fmt.Sprintf("VARCHAR(%d)", maxLen)
	return "CREATE TABLE IF NOT EXISTS " + table + " (\n" +
		"    test " + varchar + " NOT NULL,\n" +
		"    ticket " + varchar + " NOT NULL,\n" +
		"    file " + varchar + " NOT NULL,\n" +
		"    repo " + varchar + " NOT NULL DEFAULT '',\n" +
		"    branch " + varchar + " NOT NULL DEFAULT '',\n" +
		"    \"timestamp\" TIMESTAMP NOT NULL DEFAULT current_timestamp,\n" +
		"    since " + varchar + " NOT NULL DEFAULT '',\n" +
		"    PRIMARY KEY (test, ticket, file, repo, branch, \"timestamp\", since)\n" +
		")"
}

func insertSQL(table string) string {
	placeholders := make([]string, len(Columns))
	for i := range Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(Columns, ", "), strings.Join(placeholders, ", "))
}

func listSQL(table string, f Filter) (string, []interface{}) {
	var where []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Repo != "" {
		add("repo = $%d", f.Repo)
	}
	if f.Branch != "" {
		add("branch = $%d", f.Branch)
	}
	if !f.Since.IsZero() {
		add("\"timestamp\" >= $%d", f.Since)
	}

	query := "SELECT " + strings.Join(Columns, ", ") + ", \"timestamp\" FROM " + table
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY \"timestamp\" DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}
