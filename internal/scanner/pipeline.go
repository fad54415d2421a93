// Package scanner extracts xfailflake annotation records from a directory
// tree.
//
// A scan enumerates every regular file under the root, decodes each file as
// text, runs the annotation matcher over it and normalizes every raw match
// into an AnnotationRecord. Files are visited sequentially in walk order and
// matches within a file are emitted in source order. Per-file failures are
// handled according to the configured policy: abort the whole scan, or log
// the problem, record it as an issue and continue.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conneroisu/xfailflake/internal/config"
	"github.com/conneroisu/xfailflake/internal/errors"
	"github.com/conneroisu/xfailflake/internal/logging"
	"github.com/conneroisu/xfailflake/internal/types"
)

// Policy decides what happens when a file cannot be scanned cleanly.
type Policy int

const (
	// PolicyAbort stops the scan at the first failure.
	PolicyAbort Policy = iota
	// PolicySkip logs the failure, records it and continues.
	PolicySkip
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	if p == PolicySkip {
		return "skip"
	}
	return "abort"
}

// ParsePolicy parses "abort" or "skip".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "abort", "":
		return PolicyAbort, nil
	case "skip":
		return PolicySkip, nil
	}
	return PolicyAbort, fmt.Errorf("unknown policy %q", s)
}

// Options configures a Pipeline.
type Options struct {
	Pattern      PatternConfig
	OnMalformed  Policy
	OnUnreadable Policy
	Decode       DecodeMode
	Exclude      []string
}

// DefaultOptions returns strict options for the given schema.
func DefaultOptions(schema types.SchemaVersion) Options {
	return Options{
		Pattern:      DefaultPatternConfig(schema),
		OnMalformed:  PolicyAbort,
		OnUnreadable: PolicyAbort,
		Decode:       DecodeReplace,
	}
}

// OptionsFromConfig builds pipeline options from the scan configuration.
func OptionsFromConfig(cfg config.ScanConfig) (Options, error) {
	schema, err := types.ParseSchemaVersion(cfg.Schema)
	if err != nil {
		return Options{}, err
	}
	onMalformed, err := ParsePolicy(cfg.OnMalformed)
	if err != nil {
		return Options{}, fmt.Errorf("on_malformed: %w", err)
	}
	onUnreadable, err := ParsePolicy(cfg.OnUnreadable)
	if err != nil {
		return Options{}, fmt.Errorf("on_unreadable: %w", err)
	}
	decode, err := ParseDecodeMode(cfg.Decode)
	if err != nil {
		return Options{}, err
	}

	return Options{
		Pattern: PatternConfig{
			Annotation:   cfg.Annotation,
			TicketFields: cfg.TicketFields,
			TicketPrefix: cfg.TicketPrefix,
			SinceField:   cfg.SinceField,
			TestKeyword:  cfg.TestKeyword,
			Schema:       schema,
		},
		OnMalformed:  onMalformed,
		OnUnreadable: onUnreadable,
		Decode:       decode,
		Exclude:      cfg.Exclude,
	}, nil
}

// ScanRequest names the tree to scan and the provenance of its records.
type ScanRequest struct {
	Root   string
	Repo   string
	Branch string
}

// Result is the outcome of one scan.
type Result struct {
	Records      []types.AnnotationRecord
	Issues       []errors.Issue
	FilesScanned int
	FilesMatched int
	Duration     time.Duration

	collector *errors.Collector
}

// Err folds the issues of a completed scan into one error, or returns nil
// when every file was scanned cleanly.
func (r *Result) Err() error {
	if r == nil || r.collector == nil {
		return nil
	}
	return r.collector.ErrorOrNil()
}

// Pipeline runs the enumerate, decode, match and normalize stages.
type Pipeline struct {
	opts    Options
	matcher *Matcher
	logger  logging.Logger
	handler *errors.ErrorHandler
	buffers sync.Pool
}

// NewPipeline compiles the matcher for opts.
func NewPipeline(opts Options, logger logging.Logger) (*Pipeline, error) {
	matcher, err := NewMatcher(opts.Pattern)
	if err != nil {
		return nil, errors.NewConfigError(err.Error())
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.WithComponent("scanner")

	return &Pipeline{
		opts:    opts,
		matcher: matcher,
		logger:  logger,
		handler: errors.NewErrorHandler(logger),
		buffers: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}, nil
}

// Schema returns the schema version records are produced in.
func (p *Pipeline) Schema() types.SchemaVersion {
	return p.opts.Pattern.Schema
}

// Run scans req.Root. A relative root is resolved against the working
// directory first. Cancellation of ctx is honored between files.
func (p *Pipeline) Run(ctx context.Context, req ScanRequest) (*Result, error) {
	op := logging.StartOperation(p.logger.With("root", req.Root), "scan")
	start := time.Now()

	root, err := filepath.Abs(req.Root)
	if err != nil {
		err = errors.NewIOError(errors.ErrCodeRootMissing, req.Root, "cannot resolve scan root", err)
		op.EndWithError(ctx, err)
		return nil, err
	}

	files, walkIssues, err := EnumerateFiles(root, p.opts.Exclude...)
	if err != nil {
		op.EndWithError(ctx, err)
		return nil, err
	}

	collector := errors.NewCollector()
	for _, issue := range walkIssues {
		ioErr := errors.NewIOError(errors.ErrCodeWalkFailed, issue.Path, "cannot access entry", issue.Err)
		if err := p.fail(ctx, collector, p.opts.OnUnreadable, issue.Path, ioErr); err != nil {
			op.EndWithError(ctx, err)
			return nil, err
		}
	}

	sc := ScanContext{Repo: req.Repo, Branch: req.Branch, Schema: p.Schema()}
	result := &Result{Records: make([]types.AnnotationRecord, 0), collector: collector}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			op.EndWithError(ctx, err)
			return nil, fmt.Errorf("scan cancelled: %w", err)
		}

		text, err := p.readFile(path)
		if err != nil {
			if err := p.fail(ctx, collector, p.opts.OnUnreadable, path, err); err != nil {
				op.EndWithError(ctx, err)
				return nil, err
			}
			continue
		}
		result.FilesScanned++

		records, err := p.scanText(ctx, collector, text, path, root, sc)
		if err != nil {
			op.EndWithError(ctx, err)
			return nil, err
		}
		if len(records) > 0 {
			result.FilesMatched++
			result.Records = append(result.Records, records...)
		}
	}

	result.Issues = collector.Issues()
	result.Duration = time.Since(start)
	op.End(ctx,
		"files", result.FilesScanned,
		"matched_files", result.FilesMatched,
		"records", len(result.Records),
		"issues", len(result.Issues))

	return result, nil
}

// ScanFile extracts the records of a single file below root. Relative
// paths are resolved against the working directory.
func (p *Pipeline) ScanFile(ctx context.Context, path, root string, sc ScanContext) ([]types.AnnotationRecord, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeRootMissing, root, "cannot resolve scan root", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeReadFailed, path, "cannot resolve file path", err)
	}
	path, root = absPath, absRoot

	text, err := p.readFile(path)
	if err != nil {
		return nil, err
	}
	sc.Schema = p.Schema()
	return p.scanText(ctx, errors.NewCollector(), text, path, root, sc)
}

func (p *Pipeline) scanText(ctx context.Context, collector *errors.Collector, text, path, root string, sc ScanContext) ([]types.AnnotationRecord, error) {
	var records []types.AnnotationRecord
	for _, raw := range p.matcher.Match(text) {
		record, err := Normalize(raw, path, root, sc)
		if err != nil {
			if !errors.IsMalformedMatch(err) {
				return nil, err
			}
			if err := p.fail(ctx, collector, p.opts.OnMalformed, path, err); err != nil {
				return nil, err
			}
			continue
		}
		records = append(records, record)
	}
	if len(records) > 0 {
		p.logger.Debug(ctx, "Matched annotations", "file", path, "count", len(records))
	}
	return records, nil
}

// fail logs a per-file error and applies policy to it. It returns err when
// the scan must stop and nil when the error was recorded as an issue.
func (p *Pipeline) fail(ctx context.Context, collector *errors.Collector, policy Policy, path string, err error) error {
	p.handler.Handle(ctx, err)
	if policy == PolicyAbort {
		collector.Add(path, err, errors.SeverityError)
		return err
	}
	collector.Add(path, err, errors.SeverityWarning)
	return nil
}

func (p *Pipeline) readFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.NewIOError(errors.ErrCodeReadFailed, path, "cannot open file", err)
	}
	defer f.Close()

	buf := p.buffers.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		if buf.Cap() <= 1024*1024 {
			p.buffers.Put(buf)
		}
	}()

	if _, err := buf.ReadFrom(f); err != nil {
		return "", errors.NewIOError(errors.ErrCodeReadFailed, path, "cannot read file", err)
	}

	text, err := Decode(buf.Bytes(), p.opts.Decode)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			return "", e.WithFile(path)
		}
		return "", err
	}
	return text, nil
}
