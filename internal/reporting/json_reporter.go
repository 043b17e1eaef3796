package reporting

import (
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONReporter writes one finding per line as it is handed findings. It is
// thread safe.
type JSONReporter struct {
	writer  io.WriteCloser
	logger  *zap.Logger
	mu      sync.Mutex
	encoder *jsoniter.Encoder
	written int
}

// NewJSONReporter creates a JSON lines reporter that owns writer.
func NewJSONReporter(writer io.WriteCloser, logger *zap.Logger) *JSONReporter {
	return &JSONReporter{
		writer:  writer,
		logger:  logger.Named("json_reporter"),
		encoder: json.NewEncoder(writer),
	}
}

// Write encodes each finding on its own line.
func (r *JSONReporter) Write(findings []schemas.Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range findings {
		if err := r.encoder.Encode(&findings[i]); err != nil {
			return fmt.Errorf("failed to encode finding %s: %w", findings[i].ID, err)
		}
		r.written++
	}
	return nil
}

// Close closes the underlying writer.
func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writer.Close(); err != nil {
		r.logger.Error("Failed to close output writer", zap.Error(err))
		return fmt.Errorf("failed to close output writer: %w", err)
	}
	r.logger.Debug("Wrote JSON findings", zap.Int("findings_count", r.written))
	return nil
}
