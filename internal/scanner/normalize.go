package scanner

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/conneroisu/xfailflake/internal/errors"
	"github.com/conneroisu/xfailflake/internal/types"
)

// ScanContext is the scan-wide provenance attached to every record.
type ScanContext struct {
	Repo   string
	Branch string
	Schema types.SchemaVersion
}

// RelativePath strips exactly the cleaned root from path and returns the
// remainder with forward slashes and a leading "/".
func RelativePath(path, root string) (string, error) {
	cleanRoot := filepath.Clean(root)
	sep := string(filepath.Separator)

	prefix := cleanRoot
	if !strings.HasSuffix(prefix, sep) {
		prefix += sep
	}
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return "", errors.NewIOError(errors.ErrCodeOutsideRoot, path,
			fmt.Sprintf("file is not below scan root %s", cleanRoot), nil)
	}

	return "/" + filepath.ToSlash(path[len(prefix):]), nil
}

// Normalize turns one raw match into a record. It fails with a
// malformed-match error carrying the file and the raw tuple when the tuple
// has the wrong arity or an empty required field.
func Normalize(raw types.RawMatch, path, root string, sc ScanContext) (types.AnnotationRecord, error) {
	file, err := RelativePath(path, root)
	if err != nil {
		return types.AnnotationRecord{}, err
	}

	if want := sc.Schema.Arity(); len(raw) != want {
		return types.AnnotationRecord{}, errors.NewMalformedMatchError(errors.ErrCodeWrongArity, file, raw,
			fmt.Sprintf("match has %d components while %d are expected", len(raw), want))
	}

	record := types.AnnotationRecord{
		File:   file,
		Ticket: raw[0],
		Repo:   sc.Repo,
		Branch: sc.Branch,
		Schema: sc.Schema,
	}
	if sc.Schema.HasSince() {
		record.Since = raw[1]
		record.Test = raw[2]
	} else {
		record.Test = raw[1]
	}

	if err := record.Validate(); err != nil {
		var e *errors.Error
		if stderrors.As(err, &e) {
			e.Raw = append([]string(nil), raw...)
		}
		return types.AnnotationRecord{}, err
	}

	return record, nil
}
