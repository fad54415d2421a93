package scanner

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"github.com/conneroisu/xfailflake/internal/errors"
)

// DecodeMode selects how file bytes that are not valid UTF-8 are handled.
type DecodeMode int

const (
	// DecodeReplace substitutes U+FFFD for every invalid sequence.
	DecodeReplace DecodeMode = iota
	// DecodeStrict rejects files that are not valid UTF-8.
	DecodeStrict
)

// String returns the configuration name of the mode.
func (m DecodeMode) String() string {
	if m == DecodeStrict {
		return "strict"
	}
	return "replace"
}

// ParseDecodeMode parses "replace" or "strict".
func ParseDecodeMode(s string) (DecodeMode, error) {
	switch strings.ToLower(s) {
	case "replace", "":
		return DecodeReplace, nil
	case "strict":
		return DecodeStrict, nil
	}
	return DecodeReplace, fmt.Errorf("unknown decode mode %q", s)
}

// Decode converts raw file content to text according to mode.
func Decode(content []byte, mode DecodeMode) (string, error) {
	if utf8.Valid(content) {
		return string(content), nil
	}
	if mode == DecodeStrict {
		return "", errors.NewIOError(errors.ErrCodeDecodeFailed, "", "content is not valid UTF-8", nil)
	}

	decoded, err := unicode.UTF8.NewDecoder().Bytes(content)
	if err != nil {
		return "", errors.NewIOError(errors.ErrCodeDecodeFailed, "", "cannot decode content", err)
	}
	return string(decoded), nil
}
