package reporting

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

// Reporter defines the interface for writing findings to an output.
type Reporter interface {
	// Write processes a batch of findings, usually one run's worth.
	Write(findings []schemas.Finding) error
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

func isStdout(outputPath string) bool {
	return outputPath == "" || outputPath == "-" || outputPath == "stdout"
}

// New creates a new reporter based on the specified format and output path.
// An empty path, "-" or "stdout" writes to standard output.
func New(format, outputPath, toolVersion string, logger *zap.Logger) (Reporter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if format != "json" && format != "sarif" {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if isStdout(outputPath) {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	// Both reporters take ownership of the writer.
	if format == "sarif" {
		return NewSARIFReporter(writer, toolVersion, logger), nil
	}
	return NewJSONReporter(writer, logger), nil
}
