// Package repo materializes the tree a scan runs over: a local directory is
// used in place, anything else is cloned at the requested branch into a
// temporary working directory that is removed after the scan.
package repo

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	getter "github.com/hashicorp/go-getter"

	"github.com/conneroisu/xfailflake/internal/config"
	"github.com/conneroisu/xfailflake/internal/errors"
	"github.com/conneroisu/xfailflake/internal/logging"
)

// FetchFunc downloads src into dst. dst does not exist yet.
type FetchFunc func(ctx context.Context, dst, src string) error

// GetterFetch fetches with go-getter.
func GetterFetch(ctx context.Context, dst, src string) error {
	return getter.GetAny(dst, src, getter.WithContext(ctx))
}

// Checkout is a materialized repository.
type Checkout struct {
	// Root is the directory to scan
	Root string
	// Repo is the identifier recorded on records; it never carries a token
	Repo string
	// Branch is the requested branch, empty for the default branch
	Branch string
	// Local reports whether Root is the caller's own directory
	Local bool

	remove bool
	logger logging.Logger
}

// Close removes a cloned working directory. Local checkouts are untouched.
func (c *Checkout) Close() error {
	if c == nil || !c.remove {
		return nil
	}
	c.logger.Info(context.Background(), "Cleaning up working directory", "dir", c.Root)
	if err := os.RemoveAll(c.Root); err != nil {
		return errors.NewIOError(errors.ErrCodeInternalError, c.Root, "remove working directory", err)
	}
	return nil
}

// Materializer resolves repository arguments into scannable directories.
type Materializer struct {
	workdir  string
	tokenEnv string
	keep     bool
	fetch    FetchFunc
	logger   logging.Logger
}

// NewMaterializer builds a materializer from the repo configuration.
func NewMaterializer(cfg config.RepoConfig, logger logging.Logger) *Materializer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Materializer{
		workdir:  cfg.Workdir,
		tokenEnv: cfg.TokenEnv,
		keep:     cfg.Keep,
		fetch:    GetterFetch,
		logger:   logger.WithComponent("repo"),
	}
}

// WithFetch replaces the download function.
func (m *Materializer) WithFetch(fetch FetchFunc) *Materializer {
	m.fetch = fetch
	return m
}

// IsLocal reports whether repo names an existing local directory.
func IsLocal(repo string) bool {
	info, err := os.Stat(repo)
	return err == nil && info.IsDir()
}

// Materialize returns a checkout of repo at branch. Callers must Close it.
func (m *Materializer) Materialize(ctx context.Context, repo, branch string) (*Checkout, error) {
	if strings.TrimSpace(repo) == "" {
		return nil, errors.NewValidationError(errors.ErrCodeValidationFail, "repository is required")
	}

	if IsLocal(repo) {
		abs, err := filepath.Abs(repo)
		if err != nil {
			return nil, errors.NewIOError(errors.ErrCodeRootMissing, repo, "resolve repository path", err)
		}
		if branch != "" {
			m.logger.Debug(ctx, "Scanning local directory as is; branch is recorded only", "dir", abs, "branch", branch)
		}
		return &Checkout{Root: abs, Repo: repo, Branch: branch, Local: true, logger: m.logger}, nil
	}

	workdir := m.workdir
	if workdir == "" {
		workdir = os.TempDir()
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, errors.NewIOError(errors.ErrCodeFetchFailed, workdir, "create working directory", err)
	}
	dst := filepath.Join(workdir, "repo_"+uuid.NewString())

	token := ""
	if m.tokenEnv != "" {
		token = os.Getenv(m.tokenEnv)
	}
	src := SourceURL(repo, branch, token)

	m.logger.Info(ctx, "Cloning repository", "repo", repo, "branch", branch, "dir", dst)
	if err := m.fetch(ctx, dst, src); err != nil {
		_ = os.RemoveAll(dst)
		return nil, errors.NewIOError(errors.ErrCodeFetchFailed, repo,
			fmt.Sprintf("fetch %s", logging.RedactURL(repo)), scrub(err, token))
	}

	return &Checkout{Root: dst, Repo: repo, Branch: branch, remove: !m.keep, logger: m.logger}, nil
}

// InjectToken adds token as the user of an http(s) GitHub URL. Other URLs
// and URLs that already carry credentials are returned unchanged.
func InjectToken(repo, token string) string {
	if token == "" || !strings.Contains(repo, "github") {
		return repo
	}
	u, err := url.Parse(repo)
	if err != nil || u.User != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return repo
	}
	u.User = url.User(token)
	return u.String()
}

// SourceURL builds the go-getter source for a remote repository.
func SourceURL(repo, branch, token string) string {
	src := InjectToken(repo, token)
	if !strings.Contains(src, "::") {
		src = "git::" + src
	}
	if branch != "" {
		sep := "?"
		if strings.Contains(src, "?") {
			sep = "&"
		}
		src += sep + "ref=" + url.QueryEscape(branch)
	}
	return src
}

type scrubbedError struct {
	msg   string
	cause error
}

func (e *scrubbedError) Error() string { return e.msg }
func (e *scrubbedError) Unwrap() error { return e.cause }

// scrub hides token in err's message.
func scrub(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &scrubbedError{msg: strings.ReplaceAll(err.Error(), token, "REDACTED"), cause: err}
}
