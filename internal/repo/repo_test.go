package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/xfailflake/internal/config"
	xerrors "github.com/conneroisu/xfailflake/internal/errors"
)

func TestInjectToken(t *testing.T) {
	tests := []struct {
		name     string
		repo     string
		token    string
		expected string
	}{
		{"github https", "https://github.com/dcos/dcos.git", "abc", "https://abc@github.com/dcos/dcos.git"},
		{"no token", "https://github.com/dcos/dcos.git", "", "https://github.com/dcos/dcos.git"},
		{"not github", "https://gitlab.com/a/b.git", "abc", "https://gitlab.com/a/b.git"},
		{"already has user", "https://me@github.com/a/b.git", "abc", "https://me@github.com/a/b.git"},
		{"ssh form", "git@github.com:a/b.git", "abc", "git@github.com:a/b.git"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, InjectToken(tt.repo, tt.token))
		})
	}
}

func TestSourceURL(t *testing.T) {
	assert.Equal(t, "git::https://github.com/dcos/dcos.git", SourceURL("https://github.com/dcos/dcos.git", "", ""))
	assert.Equal(t, "git::https://t@github.com/dcos/dcos.git?ref=1.11",
		SourceURL("https://github.com/dcos/dcos.git", "1.11", "t"))
	assert.Equal(t, "git::https://host/r.git?depth=1&ref=release%2F2",
		SourceURL("git::https://host/r.git?depth=1", "release/2", ""))
}

func TestMaterializeLocal(t *testing.T) {
	dir := t.TempDir()
	m := NewMaterializer(config.RepoConfig{}, nil).WithFetch(func(context.Context, string, string) error {
		t.Fatal("local directories must not be fetched")
		return nil
	})

	co, err := m.Materialize(context.Background(), dir, "main")
	require.NoError(t, err)
	assert.True(t, co.Local)
	assert.Equal(t, dir, co.Root)
	assert.Equal(t, "main", co.Branch)

	require.NoError(t, co.Close())
	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestMaterializeRemote(t *testing.T) {
	workdir := t.TempDir()
	t.Setenv("TEST_GH_TOKEN", "s3cret")

	var gotSrc string
	fetch := func(_ context.Context, dst, src string) error {
		gotSrc = src
		require.NoError(t, os.MkdirAll(dst, 0o755))
		return os.WriteFile(filepath.Join(dst, "test_a.py"), []byte("x"), 0o644)
	}

	m := NewMaterializer(config.RepoConfig{Workdir: workdir, TokenEnv: "TEST_GH_TOKEN"}, nil).WithFetch(fetch)
	co, err := m.Materialize(context.Background(), "https://github.com/dcos/dcos.git", "master")
	require.NoError(t, err)

	assert.Equal(t, "git::https://s3cret@github.com/dcos/dcos.git?ref=master", gotSrc)
	assert.Equal(t, "https://github.com/dcos/dcos.git", co.Repo)
	assert.False(t, co.Local)
	assert.True(t, strings.HasPrefix(filepath.Base(co.Root), "repo_"))
	assert.Equal(t, workdir, filepath.Dir(co.Root))

	require.NoError(t, co.Close())
	_, err = os.Stat(co.Root)
	assert.True(t, os.IsNotExist(err))
}

func TestMaterializeKeep(t *testing.T) {
	m := NewMaterializer(config.RepoConfig{Workdir: t.TempDir(), Keep: true}, nil).
		WithFetch(func(_ context.Context, dst, _ string) error { return os.MkdirAll(dst, 0o755) })

	co, err := m.Materialize(context.Background(), "https://example.com/r.git", "")
	require.NoError(t, err)
	require.NoError(t, co.Close())

	_, err = os.Stat(co.Root)
	assert.NoError(t, err)
}

func TestMaterializeFetchFailureHidesToken(t *testing.T) {
	workdir := t.TempDir()
	t.Setenv("TEST_GH_TOKEN", "s3cret")
	m := NewMaterializer(config.RepoConfig{Workdir: workdir, TokenEnv: "TEST_GH_TOKEN"}, nil).
		WithFetch(func(_ context.Context, _, src string) error {
			return errors.New("git exited: cannot reach " + src)
		})

	_, err := m.Materialize(context.Background(), "https://github.com/dcos/dcos.git", "")
	require.Error(t, err)
	assert.True(t, xerrors.IsIOError(err))
	assert.NotContains(t, err.Error(), "s3cret")

	entries, err := os.ReadDir(workdir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMaterializeRequiresRepo(t *testing.T) {
	_, err := NewMaterializer(config.RepoConfig{}, nil).Materialize(context.Background(), " ", "")
	assert.Error(t, err)
}
