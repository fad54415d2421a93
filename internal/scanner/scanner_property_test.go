package scanner

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/conneroisu/xfailflake/internal/types"
)

// TestMatcherProperties tests invariant properties of annotation matching
func TestMatcherProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	matcher, err := NewMatcher(DefaultPatternConfig(types.SchemaTagged))
	if err != nil {
		t.Fatal(err)
	}

	identifier := gen.RegexMatch(`^test_[a-z][a-z0-9_]{0,12}$`)
	filler := gen.RegexMatch(`^[a-z =+.\n]{0,40}$`)

	// Each match's test is the declaration closest to its own annotation
	properties.Property("lazy match pairs every annotation with its nearest test", prop.ForAll(
		func(names []string, gap string) bool {
			var b strings.Builder
			for i, name := range names {
				fmt.Fprintf(&b, "@xfailflake(reason=\"DCOS-%d\")\ndef %s(x):\n    %s\n\ndef helper_%d(y):\n    pass\n\n", i, name, gap, i)
			}

			matches := matcher.Match(b.String())
			if len(matches) != len(names) {
				return false
			}
			for i, m := range matches {
				if m[0] != fmt.Sprintf("DCOS-%d", i) || m[1] != names[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, identifier),
		filler,
	))

	// Text without the annotation token never matches
	properties.Property("text without annotation yields nothing", prop.ForAll(
		func(body string) bool {
			return len(matcher.Match(body)) == 0
		},
		gen.RegexMatch(`^[a-w (\n"=]{0,200}$`),
	))

	properties.TestingRun(t)
}

// TestNormalizeProperties tests root stripping and record completeness
func TestNormalizeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	segment := gen.RegexMatch(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]{0,10}$`)

	properties.Property("file equals path with root stripped exactly once", prop.ForAll(
		func(root string, parts []string) bool {
			if len(parts) == 0 {
				return true
			}
			absRoot := "/" + root
			rel := strings.Join(parts, "/")
			path := filepath.Join(absRoot, filepath.FromSlash(rel))

			got, err := RelativePath(path, absRoot)
			if err != nil {
				return false
			}
			return got == "/"+filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
		},
		segment,
		gen.SliceOfN(3, segment),
	))

	properties.Property("well-formed matches produce complete records", prop.ForAll(
		func(ticket, test, file string) bool {
			sc := ScanContext{Repo: "repo", Branch: "b", Schema: types.SchemaTagged}
			record, err := Normalize(types.RawMatch{"DCOS-" + ticket, test}, "/root/"+file, "/root", sc)
			if err != nil {
				return false
			}
			return record.File != "" && record.Test == test && record.Ticket == "DCOS-"+ticket &&
				!strings.HasPrefix(record.File, "/root/")
		},
		gen.RegexMatch(`^[0-9]{1,6}$`),
		gen.RegexMatch(`^test_[a-z]{1,10}$`),
		gen.RegexMatch(`^[a-z]{1,8}\.py$`),
	))

	properties.TestingRun(t)
}
