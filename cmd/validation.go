package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// validateRepository rejects repository arguments that could be read as
// options or smuggle extra arguments into the git invocation.
func validateRepository(repository string) error {
	if strings.TrimSpace(repository) == "" {
		return fmt.Errorf("repository is empty")
	}
	if strings.HasPrefix(repository, "-") {
		return fmt.Errorf("repository %q looks like a flag", repository)
	}
	if strings.ContainsAny(repository, "\x00\r\n\t") {
		return fmt.Errorf("repository contains control characters")
	}
	return nil
}

// validateBranch applies the subset of git ref rules that matter when the
// branch is passed to a clone: no leading dash, no whitespace, no "..".
func validateBranch(branch string) error {
	if branch == "" {
		return nil
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch %q looks like a flag", branch)
	}
	if strings.ContainsAny(branch, " \t\r\n\x00~^:?*[\\") {
		return fmt.Errorf("branch %q contains characters not allowed in a ref", branch)
	}
	if strings.Contains(branch, "..") || strings.HasSuffix(branch, ".lock") || strings.HasSuffix(branch, "/") {
		return fmt.Errorf("branch %q is not a valid ref name", branch)
	}
	return nil
}

// repositoryArg is a cobra.PositionalArgs requiring exactly one valid
// repository argument.
func repositoryArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if err := validateRepository(args[0]); err != nil {
		return fmt.Errorf("invalid argument '%s': %w", args[0], err)
	}
	return nil
}
