package scanner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/xfailflake/internal/errors"
	"github.com/conneroisu/xfailflake/internal/logging"
	"github.com/conneroisu/xfailflake/internal/types"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func newPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	p, err := NewPipeline(opts, nil)
	require.NoError(t, err)
	return p
}

const fooTest = `import pytest

@pytest.mark.xfailflake(reason="DCOS-123")
def test_foo(dcos_api_session):
    assert True
`

func TestEnumerateFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.py":          "x",
		"pkg/b.py":      "y",
		"pkg/sub/c.txt": "z",
		".git/HEAD":     "ref",
	})

	files, issues, err := EnumerateFiles(root)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, []string{
		filepath.Join(root, ".git", "HEAD"),
		filepath.Join(root, "a.py"),
		filepath.Join(root, "pkg", "b.py"),
		filepath.Join(root, "pkg", "sub", "c.txt"),
	}, files)

	files, _, err = EnumerateFiles(root, ".git")
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.NotContains(t, files, filepath.Join(root, ".git", "HEAD"))
}

func TestEnumerateFilesRootErrors(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		_, _, err := EnumerateFiles(filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
		assert.True(t, errors.IsIOError(err))
	})

	t.Run("root is a file", func(t *testing.T) {
		root := writeTree(t, map[string]string{"f.py": ""})
		_, _, err := EnumerateFiles(filepath.Join(root, "f.py"))
		require.Error(t, err)
		assert.True(t, errors.IsIOError(err))
	})
}

func TestEnumerateFilesUnreadableSubdir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := writeTree(t, map[string]string{"ok.py": "", "locked/x.py": ""})
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	files, issues, err := EnumerateFiles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "ok.py")}, files)
	require.Len(t, issues, 1)
	assert.Equal(t, locked, issues[0].Path)
}

func TestEnumerateFilesFollowsFileSymlinks(t *testing.T) {
	root := writeTree(t, map[string]string{"real.py": fooTest})
	require.NoError(t, os.Symlink(filepath.Join(root, "real.py"), filepath.Join(root, "link.py")))

	files, _, err := EnumerateFiles(root)
	require.NoError(t, err)
	assert.Contains(t, files, filepath.Join(root, "link.py"))
}

func TestDecode(t *testing.T) {
	invalid := []byte("ok \xff\xfe tail")

	text, err := Decode(invalid, DecodeReplace)
	require.NoError(t, err)
	assert.Equal(t, "ok �� tail", text)

	_, err = Decode(invalid, DecodeStrict)
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))

	text, err = Decode([]byte("plain"), DecodeStrict)
	require.NoError(t, err)
	assert.Equal(t, "plain", text)
}

func TestParseDecodeModeAndPolicy(t *testing.T) {
	mode, err := ParseDecodeMode("strict")
	require.NoError(t, err)
	assert.Equal(t, DecodeStrict, mode)
	_, err = ParseDecodeMode("latin1")
	assert.Error(t, err)

	policy, err := ParsePolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, policy)
	assert.Equal(t, "skip", policy.String())
	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}

func TestMatcherScenarios(t *testing.T) {
	tests := []struct {
		name     string
		schema   types.SchemaVersion
		prefix   string
		text     string
		expected []types.RawMatch
	}{
		{
			name:     "base scenario",
			schema:   types.SchemaBase,
			prefix:   "DCOS",
			text:     fooTest,
			expected: []types.RawMatch{{"DCOS-123", "test_foo"}},
		},
		{
			name:   "extended scenario",
			schema: types.SchemaExtended,
			prefix: "DCOS",
			text: `@xfailflake(jira="DCOS-55", since="2020-01-01")
def test_bar():
    pass
`,
			expected: []types.RawMatch{{"DCOS-55", "2020-01-01", "test_bar"}},
		},
		{
			name:     "single quotes",
			schema:   types.SchemaTagged,
			prefix:   "DCOS",
			text:     "@xfailflake(reason='DCOS_OSS-9')\ndef test_single(x):\n",
			expected: []types.RawMatch{{"DCOS_OSS-9", "test_single"}},
		},
		{
			name:     "keyword after other arguments",
			schema:   types.SchemaTagged,
			prefix:   "DCOS",
			text:     "@xfailflake(\n    strict=True,\n    reason=\"DCOS-7 flaky on CI\",\n)\ndef test_multi(\n    a,\n):\n",
			expected: []types.RawMatch{{"DCOS-7", "test_multi"}},
		},
		{
			name:     "strict prefix rejects other tickets",
			schema:   types.SchemaTagged,
			prefix:   "DCOS",
			text:     "@xfailflake(reason=\"JIRA-1\")\ndef test_other():\n",
			expected: []types.RawMatch{},
		},
		{
			name:     "loose accepts any ticket",
			schema:   types.SchemaTagged,
			prefix:   "",
			text:     "@xfailflake(reason=\"JIRA-1\")\ndef test_other():\n",
			expected: []types.RawMatch{{"JIRA-1", "test_other"}},
		},
		{
			name:     "loose keeps empty captures",
			schema:   types.SchemaTagged,
			prefix:   "",
			text:     "@xfailflake(reason=\"\")\ndef test_empty():\n",
			expected: []types.RawMatch{{"", "test_empty"}},
		},
		{
			name:     "no annotation",
			schema:   types.SchemaTagged,
			prefix:   "DCOS",
			text:     "def test_plain():\n    pass\n",
			expected: []types.RawMatch{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPatternConfig(tt.schema)
			cfg.TicketPrefix = tt.prefix
			m, err := NewMatcher(cfg)
			require.NoError(t, err)

			matches := m.Match(tt.text)
			assert.NotNil(t, matches)
			assert.Equal(t, tt.expected, matches)
			for _, match := range matches {
				assert.Len(t, match, m.Arity())
			}
		})
	}
}

func TestMatcherLazy(t *testing.T) {
	text := `@xfailflake(reason="DCOS-1")
def test_first():
    helper()

def helper_not_a_test(x):
    pass

@xfailflake(reason="DCOS-2")
def test_second():
    pass
`
	m, err := NewMatcher(DefaultPatternConfig(types.SchemaTagged))
	require.NoError(t, err)

	assert.Equal(t, []types.RawMatch{
		{"DCOS-1", "test_first"},
		{"DCOS-2", "test_second"},
	}, m.Match(text))
}

func TestMatcherCustomAnnotation(t *testing.T) {
	cfg := DefaultPatternConfig(types.SchemaTagged)
	cfg.Annotation = "skipflake"
	cfg.TicketFields = []string{"ticket"}
	cfg.TicketPrefix = "OPS"
	m, err := NewMatcher(cfg)
	require.NoError(t, err)

	assert.Equal(t, []types.RawMatch{{"OPS-4", "test_custom"}},
		m.Match("@skipflake(ticket=\"OPS-4\")\ndef test_custom():\n"))
	assert.Empty(t, m.Match(fooTest))
}

func TestMatcherTestNameIsWordIdentifier(t *testing.T) {
	m, err := NewMatcher(DefaultPatternConfig(types.SchemaTagged))
	require.NoError(t, err)

	assert.Empty(t, m.Match("@xfailflake(reason=\"DCOS-1\")\ndef test-dash():\n"))
	assert.Equal(t, []types.RawMatch{{"DCOS-1", "test_ok"}},
		m.Match("@xfailflake(reason=\"DCOS-1\")\ndef test_ok (self):\n"))
}

func TestNewMatcherRejectsBadConfig(t *testing.T) {
	cfg := DefaultPatternConfig(types.SchemaTagged)
	cfg.TicketFields = nil
	_, err := NewMatcher(cfg)
	assert.Error(t, err)

	cfg = DefaultPatternConfig(types.SchemaVersion(9))
	_, err = NewMatcher(cfg)
	assert.Error(t, err)
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		root     string
		expected string
		wantErr  bool
	}{
		{"nested", "/R/a/b.py", "/R", "/a/b.py", false},
		{"trailing slash root", "/R/a/b.py", "/R/", "/a/b.py", false},
		{"relative root", "repo_1/x.py", "./repo_1", "/x.py", false},
		{"filesystem root", "/a/b.py", "/", "/a/b.py", false},
		{"sibling with shared prefix", "/R2/a.py", "/R", "", true},
		{"root itself", "/R", "/R", "", true},
		{"outside", "/other/a.py", "/R", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RelativePath(tt.path, tt.root)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	sc := ScanContext{Repo: "https://github.com/dcos/dcos.git", Branch: "master", Schema: types.SchemaTagged}

	record, err := Normalize(types.RawMatch{"DCOS-1", "test_a"}, "/R/a/b.py", "/R", sc)
	require.NoError(t, err)
	assert.Equal(t, types.AnnotationRecord{
		File:   "/a/b.py",
		Test:   "test_a",
		Ticket: "DCOS-1",
		Repo:   "https://github.com/dcos/dcos.git",
		Branch: "master",
		Schema: types.SchemaTagged,
	}, record)

	sc.Schema = types.SchemaExtended
	record, err = Normalize(types.RawMatch{"DCOS-1", "2021-02-03", "test_a"}, "/R/a.py", "/R", sc)
	require.NoError(t, err)
	assert.Equal(t, "2021-02-03", record.Since)
	assert.Equal(t, "test_a", record.Test)
}

func TestNormalizeMalformed(t *testing.T) {
	sc := ScanContext{Repo: "r", Schema: types.SchemaTagged}

	tests := []struct {
		name string
		raw  types.RawMatch
		sc   types.SchemaVersion
		code string
	}{
		{"wrong arity", types.RawMatch{"DCOS-1"}, types.SchemaTagged, errors.ErrCodeWrongArity},
		{"three for two", types.RawMatch{"DCOS-1", "x", "test"}, types.SchemaBase, errors.ErrCodeWrongArity},
		{"empty ticket", types.RawMatch{"", "test_a"}, types.SchemaTagged, errors.ErrCodeEmptyField},
		{"empty test", types.RawMatch{"DCOS-1", ""}, types.SchemaTagged, errors.ErrCodeEmptyField},
		{"empty since", types.RawMatch{"DCOS-1", "", "test_a"}, types.SchemaExtended, errors.ErrCodeEmptyField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc.Schema = tt.sc
			_, err := Normalize(tt.raw, "/R/x.py", "/R", sc)
			require.Error(t, err)
			assert.True(t, errors.IsMalformedMatch(err))

			var e *errors.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, "/x.py", e.FilePath)
			assert.Equal(t, []string(tt.raw), e.Raw)
		})
	}
}

func TestPipelineScenarios(t *testing.T) {
	t.Run("three files two with matches", func(t *testing.T) {
		root := writeTree(t, map[string]string{
			"tests/test_a.py": fooTest,
			"tests/test_b.py": "@xfailflake(reason=\"DCOS-2\")\ndef test_b1():\n\n@xfailflake(reason=\"DCOS-3\")\ndef test_b2():\n",
			"README.md":       "nothing to see",
		})

		p := newPipeline(t, DefaultOptions(types.SchemaTagged))
		result, err := p.Run(context.Background(), ScanRequest{Root: root, Repo: "repo", Branch: "main"})
		require.NoError(t, err)

		assert.Len(t, result.Records, 3)
		assert.Equal(t, 3, result.FilesScanned)
		assert.Equal(t, 2, result.FilesMatched)
		assert.Empty(t, result.Issues)

		byFile := map[string][]string{}
		for _, r := range result.Records {
			assert.NotEmpty(t, r.File)
			assert.NotEmpty(t, r.Test)
			assert.NotEmpty(t, r.Ticket)
			assert.Equal(t, "repo", r.Repo)
			assert.Equal(t, "main", r.Branch)
			byFile[r.File] = append(byFile[r.File], r.Test)
		}
		assert.Equal(t, []string{"test_foo"}, byFile["/tests/test_a.py"])
		assert.Equal(t, []string{"test_b1", "test_b2"}, byFile["/tests/test_b.py"])
	})

	t.Run("no annotations", func(t *testing.T) {
		root := writeTree(t, map[string]string{"plain.py": "def test_x():\n    pass\n"})

		p := newPipeline(t, DefaultOptions(types.SchemaBase))
		result, err := p.Run(context.Background(), ScanRequest{Root: root, Repo: "repo"})
		require.NoError(t, err)
		assert.NotNil(t, result.Records)
		assert.Empty(t, result.Records)
		assert.Equal(t, 0, result.FilesMatched)
	})

	t.Run("missing root", func(t *testing.T) {
		p := newPipeline(t, DefaultOptions(types.SchemaBase))
		_, err := p.Run(context.Background(), ScanRequest{Root: filepath.Join(t.TempDir(), "gone")})
		require.Error(t, err)
		assert.True(t, errors.IsIOError(err))
	})
}

func TestPipelineMalformedPolicy(t *testing.T) {
	root := writeTree(t, map[string]string{
		"bad.py":  "@xfailflake(reason=\"\")\ndef test_bad():\n",
		"good.py": "@xfailflake(reason=\"T-1\")\ndef test_good():\n",
	})

	opts := DefaultOptions(types.SchemaTagged)
	opts.Pattern.TicketPrefix = ""

	t.Run("abort", func(t *testing.T) {
		p := newPipeline(t, opts)
		result, err := p.Run(context.Background(), ScanRequest{Root: root, Repo: "r"})
		require.Error(t, err)
		assert.Nil(t, result)
		assert.True(t, errors.IsMalformedMatch(err))
	})

	t.Run("skip", func(t *testing.T) {
		skip := opts
		skip.OnMalformed = PolicySkip
		p := newPipeline(t, skip)
		result, err := p.Run(context.Background(), ScanRequest{Root: root, Repo: "r"})
		require.NoError(t, err)

		require.Len(t, result.Records, 1)
		assert.Equal(t, "test_good", result.Records[0].Test)
		require.Len(t, result.Issues, 1)
		assert.Equal(t, filepath.Join(root, "bad.py"), result.Issues[0].File)
		assert.Equal(t, errors.SeverityWarning, result.Issues[0].Severity)
		assert.True(t, errors.IsMalformedMatch(result.Issues[0].Err))

		require.Error(t, result.Err())
		assert.Contains(t, result.Err().Error(), "bad.py")
	})

	t.Run("abort logs the offending match", func(t *testing.T) {
		var buf bytes.Buffer
		logger := logging.NewLogger(&logging.LoggerConfig{
			Level:  logging.LevelInfo,
			Format: "json",
			Output: &buf,
		})
		p, err := NewPipeline(opts, logger)
		require.NoError(t, err)

		_, err = p.Run(context.Background(), ScanRequest{Root: root, Repo: "r"})
		require.Error(t, err)
		assert.Contains(t, buf.String(), "Malformed match")
		assert.Contains(t, buf.String(), "bad.py")
		assert.Contains(t, buf.String(), errors.ErrCodeEmptyField)
	})
}

func TestPipelineRelativeRoot(t *testing.T) {
	root := writeTree(t, map[string]string{"a/b.py": fooTest})
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(root))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	p := newPipeline(t, DefaultOptions(types.SchemaTagged))
	for _, rel := range []string{".", "./", "a/..", "a/../"} {
		t.Run(rel, func(t *testing.T) {
			result, err := p.Run(context.Background(), ScanRequest{Root: rel, Repo: "r"})
			require.NoError(t, err)
			require.Len(t, result.Records, 1)
			assert.Equal(t, "/a/b.py", result.Records[0].File)
			assert.Equal(t, "test_foo", result.Records[0].Test)
			assert.Equal(t, "DCOS-123", result.Records[0].Ticket)
			assert.NoError(t, result.Err())
		})
	}

	t.Run("scan file", func(t *testing.T) {
		records, err := p.ScanFile(context.Background(), filepath.Join("a", "b.py"), ".", ScanContext{Repo: "r"})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "/a/b.py", records[0].File)
	})
}

func TestPipelineDecodePolicy(t *testing.T) {
	root := writeTree(t, map[string]string{
		"binary.bin": "\xff\xfe@xfailflake(reason=\"DCOS-9\")\ndef test_bin():\n",
		"good.py":    fooTest,
	})

	t.Run("replace scans binary files", func(t *testing.T) {
		p := newPipeline(t, DefaultOptions(types.SchemaTagged))
		result, err := p.Run(context.Background(), ScanRequest{Root: root})
		require.NoError(t, err)
		assert.Len(t, result.Records, 2)
	})

	t.Run("strict and skip drops undecodable files", func(t *testing.T) {
		opts := DefaultOptions(types.SchemaTagged)
		opts.Decode = DecodeStrict
		opts.OnUnreadable = PolicySkip
		p := newPipeline(t, opts)

		result, err := p.Run(context.Background(), ScanRequest{Root: root})
		require.NoError(t, err)
		require.Len(t, result.Records, 1)
		assert.Equal(t, "test_foo", result.Records[0].Test)
		require.Len(t, result.Issues, 1)
		assert.True(t, errors.IsIOError(result.Issues[0].Err))
	})

	t.Run("strict and abort fails", func(t *testing.T) {
		opts := DefaultOptions(types.SchemaTagged)
		opts.Decode = DecodeStrict
		p := newPipeline(t, opts)

		_, err := p.Run(context.Background(), ScanRequest{Root: root})
		require.Error(t, err)
		assert.True(t, errors.IsIOError(err))
	})
}

func TestPipelineCancellation(t *testing.T) {
	root := writeTree(t, map[string]string{"a.py": fooTest})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newPipeline(t, DefaultOptions(types.SchemaTagged))
	_, err := p.Run(ctx, ScanRequest{Root: root})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipelineDoesNotMutateTree(t *testing.T) {
	root := writeTree(t, map[string]string{"a.py": fooTest})
	before, err := os.ReadFile(filepath.Join(root, "a.py"))
	require.NoError(t, err)

	p := newPipeline(t, DefaultOptions(types.SchemaTagged))
	_, err = p.Run(context.Background(), ScanRequest{Root: root})
	require.NoError(t, err)

	after, err := os.ReadFile(filepath.Join(root, "a.py"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestScanFile(t *testing.T) {
	root := writeTree(t, map[string]string{"pkg/a.py": fooTest})
	p := newPipeline(t, DefaultOptions(types.SchemaTagged))

	records, err := p.ScanFile(context.Background(), filepath.Join(root, "pkg", "a.py"), root, ScanContext{Repo: "r"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/pkg/a.py", records[0].File)
	assert.Equal(t, types.SchemaTagged, records[0].Schema)
}

func TestOptionsFromConfigRejectsUnknownPolicy(t *testing.T) {
	opts := DefaultOptions(types.SchemaTagged)
	assert.Equal(t, PolicyAbort, opts.OnMalformed)

	_, err := ParsePolicy("ignore")
	assert.Error(t, err)
}
