package reporting_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/reporting"
)

func TestJSONReporter_WritesOneFindingPerLine(t *testing.T) {
	writer := &MockWriteCloser{Buffer: new(bytes.Buffer)}
	reporter := reporting.NewJSONReporter(writer, zaptest.NewLogger(t))

	want := []schemas.Finding{
		sampleFinding("jquery-html", "a.html", 3),
		sampleFinding("lodash-template", "b.js", 7),
	}
	require.NoError(t, reporter.Write(want[:1]))
	require.NoError(t, reporter.Write(want[1:]))
	require.NoError(t, reporter.Write(nil))
	require.NoError(t, reporter.Close())
	assert.True(t, writer.Closed)

	var got []schemas.Finding
	scanner := bufio.NewScanner(writer.Buffer)
	for scanner.Scan() {
		var f schemas.Finding
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f), scanner.Text())
		got = append(got, f)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, want, got)
}

func TestJSONReporter_Errors(t *testing.T) {
	writer := &MockWriteCloser{Buffer: new(bytes.Buffer), FailWrite: true}
	reporter := reporting.NewJSONReporter(writer, zaptest.NewLogger(t))

	err := reporter.Write([]schemas.Finding{sampleFinding("p", "a.js", 1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to encode finding")

	writer.FailClose = true
	err = reporter.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to close output writer")
}
