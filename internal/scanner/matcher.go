package scanner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/conneroisu/xfailflake/internal/types"
)

// PatternConfig describes the annotation shape the matcher looks for.
type PatternConfig struct {
	// Annotation is the name of the marking call, e.g. "xfailflake"
	Annotation string
	// TicketFields are the keyword arguments that may carry the ticket
	TicketFields []string
	// TicketPrefix constrains tickets to a literal prefix; empty accepts any
	// run of non-whitespace characters
	TicketPrefix string
	// SinceField is the keyword argument carrying the muted-since token
	SinceField string
	// TestKeyword introduces the test declaration, e.g. "def"
	TestKeyword string
	// Schema decides whether the since field is captured
	Schema types.SchemaVersion
}

// DefaultPatternConfig returns the stock pattern for a schema version.
func DefaultPatternConfig(schema types.SchemaVersion) PatternConfig {
	return PatternConfig{
		Annotation:   "xfailflake",
		TicketFields: []string{"reason", "jira"},
		TicketPrefix: "DCOS",
		SinceField:   "since",
		TestKeyword:  "def",
		Schema:       schema,
	}
}

// Matcher finds annotation occurrences in file text.
type Matcher struct {
	re    *regexp.Regexp
	arity int
}

const quote = `["']`

// NewMatcher compiles the pattern described by cfg. Every gap between the
// tokens is a lazy, newline-spanning wildcard so a match always closes at
// the first test declaration following its ticket. The ticket is the first
// token of the quoted value; free text after it is ignored.
func NewMatcher(cfg PatternConfig) (*Matcher, error) {
	if cfg.Annotation == "" || cfg.TestKeyword == "" || len(cfg.TicketFields) == 0 {
		return nil, fmt.Errorf("annotation, test keyword and ticket fields are required")
	}
	if !cfg.Schema.Valid() {
		return nil, fmt.Errorf("invalid schema version %d", int(cfg.Schema))
	}

	fields := make([]string, len(cfg.TicketFields))
	for i, f := range cfg.TicketFields {
		fields[i] = regexp.QuoteMeta(f)
	}

	ticket := `([^"'\s]*)`
	if cfg.TicketPrefix != "" {
		ticket = `(` + regexp.QuoteMeta(cfg.TicketPrefix) + `[^"'\s]*)`
	}

	var b strings.Builder
	b.WriteString(`(?s)`)
	b.WriteString(regexp.QuoteMeta(cfg.Annotation))
	b.WriteString(`\(.*?\b(?:`)
	b.WriteString(strings.Join(fields, "|"))
	b.WriteString(`)\s*=\s*` + quote + ticket)
	if cfg.Schema.HasSince() {
		if cfg.SinceField == "" {
			return nil, fmt.Errorf("since field is required for the %s schema", cfg.Schema)
		}
		b.WriteString(`.*?\b` + regexp.QuoteMeta(cfg.SinceField) + `\s*=\s*` + quote + `([^"']*)` + quote)
	}
	b.WriteString(`.*?\b` + regexp.QuoteMeta(cfg.TestKeyword) + `\s+(\w*)\s*\(`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compile annotation pattern: %w", err)
	}

	return &Matcher{re: re, arity: cfg.Schema.Arity()}, nil
}

// Match returns the raw matches in text in source order. Text without any
// annotation yields an empty, non-nil slice.
func (m *Matcher) Match(text string) []types.RawMatch {
	found := m.re.FindAllStringSubmatch(text, -1)
	matches := make([]types.RawMatch, 0, len(found))
	for _, groups := range found {
		matches = append(matches, types.RawMatch(groups[1:]))
	}
	return matches
}

// Arity is the number of groups each raw match carries.
func (m *Matcher) Arity() int {
	return m.arity
}

// Pattern returns the compiled expression.
func (m *Matcher) Pattern() string {
	return m.re.String()
}
