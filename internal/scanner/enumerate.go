package scanner

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/conneroisu/xfailflake/internal/errors"
)

// WalkIssue is an entry below the root that could not be visited.
type WalkIssue struct {
	Path string
	Err  error
}

// EnumerateFiles returns every regular file reachable from root in lexical
// walk order. Symbolic links to regular files are included; symbolic links
// to directories are not followed. Entries matching one of the exclude glob
// patterns (matched against the base name) are skipped, and excluded
// directories are not descended into.
//
// The returned error is an I/O error when root itself is missing, unreadable
// or not a directory. Problems with entries below the root are reported as
// issues so the caller can decide whether to skip them.
func EnumerateFiles(root string, exclude ...string) ([]string, []WalkIssue, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, errors.NewIOError(errors.ErrCodeRootMissing, root, "cannot access scan root", err)
	}
	if !info.IsDir() {
		return nil, nil, errors.NewIOError(errors.ErrCodeRootNotDir, root, "scan root is not a directory", nil)
	}

	var files []string
	var issues []WalkIssue

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			issues = append(issues, WalkIssue{Path: path, Err: err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path != root && excluded(d.Name(), exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		switch {
		case d.Type().IsRegular():
			files = append(files, path)
		case d.Type()&fs.ModeSymlink != 0:
			target, statErr := os.Stat(path)
			if statErr != nil {
				issues = append(issues, WalkIssue{Path: path, Err: statErr})
				return nil
			}
			if target.Mode().IsRegular() {
				files = append(files, path)
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, nil, errors.NewIOError(errors.ErrCodeWalkFailed, root, "cannot read scan root", walkErr)
	}

	return files, issues, nil
}

func excluded(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
