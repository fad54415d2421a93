package errors

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Severity represents how an issue affected the scan.
type Severity int

const (
	// SeverityWarning marks an issue that was skipped under a lenient policy.
	SeverityWarning Severity = iota
	// SeverityError marks an issue that aborted the scan.
	SeverityError
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Issue is one problem encountered while scanning a single file.
type Issue struct {
	File      string
	Err       error
	Severity  Severity
	Timestamp time.Time
}

// Error implements the error interface
func (i Issue) Error() string {
	return fmt.Sprintf("%s: %s: %v", i.File, i.Severity, i.Err)
}

// Unwrap returns the underlying error.
func (i Issue) Unwrap() error {
	return i.Err
}

// Collector gathers per-file issues in the order they were reported.
type Collector struct {
	issues []Issue
	mutex  sync.RWMutex
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{issues: make([]Issue, 0)}
}

// Add records an issue for a file. Nil errors are ignored.
func (c *Collector) Add(file string, err error, severity Severity) {
	if err == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.issues = append(c.issues, Issue{
		File:      file,
		Err:       err,
		Severity:  severity,
		Timestamp: time.Now(),
	})
}

// Issues returns a copy of the collected issues
func (c *Collector) Issues() []Issue {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make([]Issue, len(c.issues))
	copy(result, c.issues)
	return result
}

// Len returns the number of collected issues.
func (c *Collector) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.issues)
}

// HasErrors returns true if any issue was collected
func (c *Collector) HasErrors() bool {
	return c.Len() > 0
}

// ErrorOrNil folds the collected issues into a single multierror, or nil
// when nothing was collected.
func (c *Collector) ErrorOrNil() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	var result *multierror.Error
	for _, issue := range c.issues {
		result = multierror.Append(result, issue)
	}
	return result.ErrorOrNil()
}
