package errors

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// FileError records a single recoverable failure attributed to a source file.
type FileError struct {
	Path      string
	Err       error
	Timestamp time.Time
}

// Error implements the error interface.
func (fe *FileError) Error() string {
	return fmt.Sprintf("%s: %v", fe.Path, fe.Err)
}

// Unwrap returns the underlying error.
func (fe *FileError) Unwrap() error {
	return fe.Err
}

// BuildErrorCollector aggregates per-file failures during a rebuild batch so
// they can be reported as one summary after the batch completes.
type BuildErrorCollector struct {
	fileErrors []FileError
	mutex      sync.RWMutex
}

// NewBuildErrorCollector creates a new collector.
func NewBuildErrorCollector() *BuildErrorCollector {
	return &BuildErrorCollector{
		fileErrors: make([]FileError, 0),
	}
}

// Add records a failure for the given source path.
func (c *BuildErrorCollector) Add(path string, err error) {
	if err == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.fileErrors = append(c.fileErrors, FileError{
		Path:      path,
		Err:       err,
		Timestamp: time.Now(),
	})
}

// Errors returns a copy of all collected failures.
func (c *BuildErrorCollector) Errors() []FileError {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make([]FileError, len(c.fileErrors))
	copy(result, c.fileErrors)
	return result
}

// HasErrors returns true if there are any failures.
func (c *BuildErrorCollector) HasErrors() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.fileErrors) > 0
}

// Len returns the number of collected failures.
func (c *BuildErrorCollector) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.fileErrors)
}

// Clear drops all collected failures; called at the start of each batch.
func (c *BuildErrorCollector) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.fileErrors = c.fileErrors[:0]
}

// Summary formats the collected failures as a human-readable block for the
// post-batch report.
func (c *BuildErrorCollector) Summary() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if len(c.fileErrors) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d file(s) failed to rebuild:\n", len(c.fileErrors))
	for _, fe := range c.fileErrors {
		fmt.Fprintf(&b, "  %s: %v\n", fe.Path, fe.Err)
	}
	return b.String()
}
