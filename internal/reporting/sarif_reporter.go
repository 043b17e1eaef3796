package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "hpgscan"
	ToolInfoURI  = "https://github.com/xkilldash9x/hpgscan"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"
)

// ruleIDSanitizer matches runs of characters that are not allowed in rule IDs.
// Alphanumerics, underscore and dot survive; everything else collapses to a
// single hyphen.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// findingFingerprint identifies a result across runs: same POC, same page,
// same statement.
func findingFingerprint(f schemas.Finding) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", f.POCID, f.Page, f.Statement)
	return hex.EncodeToString(h.Sum(nil))
}

// SARIFReporter implements the Reporter interface for the SARIF 2.1.0 format.
// Findings are buffered and the log is written on Close. It is thread safe.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects the log structure and the maps.
	mu sync.Mutex
	// rulesByPOC maps a POC id to its generated rule ID.
	rulesByPOC map[string]string
	// ruleIDUsage counts uses of a base rule ID so distinct POC ids that
	// sanitize to the same name get a suffix.
	ruleIDUsage map[string]int
}

// NewSARIFReporter creates a new reporter that writes SARIF output.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string, logger *zap.Logger) *SARIFReporter {
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						// Empty, not nil, so the JSON carries [].
						Rules: []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer:      writer,
		logger:      logger.Named("sarif_reporter"),
		log:         log,
		rulesByPOC:  make(map[string]string),
		ruleIDUsage: make(map[string]int),
	}
}

// Write converts findings into SARIF results and adds them to the log.
func (r *SARIFReporter) Write(findings []schemas.Finding) error {
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	for _, finding := range findings {
		ruleID := r.ensureRule(finding)

		messageText := finding.Statement
		if messageText == "" {
			messageText = finding.Description
		}
		if messageText == "" {
			messageText = finding.Template
		}

		props := sarif.PropertyBag{
			"tags":           finding.Tags,
			"semantic_types": finding.SemanticTypes,
		}
		if len(finding.PayloadVariables) > 0 {
			props["payload_variables"] = finding.PayloadVariables
		}
		if finding.RunID != "" {
			props["run_id"] = finding.RunID
		}

		run.Results = append(run.Results, &sarif.Result{
			RuleID:              ruleID,
			Message:             &sarif.Message{Text: pString(messageText)},
			Level:               mapSeverityToSARIFLevel(finding.Severity),
			Locations:           r.createLocations(finding),
			PartialFingerprints: map[string]string{"hpgscanFinding/v1": findingFingerprint(finding)},
			Properties:          &props,
		})
	}

	if len(findings) > 0 {
		r.logger.Debug("Wrote findings to SARIF buffer",
			zap.Int("findings_count", len(findings)),
			zap.Duration("duration_ms", time.Since(startTime)),
		)
	}
	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)),
	)

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")

	encodeErr := encoder.Encode(r.log)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}

// sanitizeRuleName creates a standardized base name for the rule ID.
func sanitizeRuleName(name string) string {
	sanitized := strings.ToUpper(name)
	sanitized = ruleIDSanitizer.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		return "UNNAMED-POC"
	}
	return sanitized
}

// ensureRule returns the rule ID for the finding's POC, registering the rule
// on first use. Must be called while holding the mutex.
func (r *SARIFReporter) ensureRule(finding schemas.Finding) string {
	if ruleID, ok := r.rulesByPOC[finding.POCID]; ok {
		return ruleID
	}

	baseRuleID := "HPGSCAN-" + sanitizeRuleName(finding.POCID)
	usage := r.ruleIDUsage[baseRuleID]
	r.ruleIDUsage[baseRuleID] = usage + 1

	ruleID := baseRuleID
	if usage > 0 {
		ruleID = fmt.Sprintf("%s-%d", baseRuleID, usage)
		r.logger.Debug("Rule ID collision detected, generated new ID with suffix",
			zap.String("base_id", baseRuleID),
			zap.String("final_id", ruleID),
		)
	}

	name := finding.Library
	if finding.CVE != "" {
		name = strings.TrimSpace(name + " " + finding.CVE)
	}
	if name == "" {
		name = finding.POCID
	}

	markdownHelp := fmt.Sprintf("**Library:** %s\n\n**CVE:** %s\n\n**Pattern:**\n```js\n%s\n```",
		finding.Library, finding.CVE, finding.Template)

	props := sarif.PropertyBag{
		"tags":      []string{"security", "hpgscan"},
		"precision": "medium",
		"poc_id":    finding.POCID,
	}
	if finding.CVE != "" {
		props["cve"] = finding.CVE
	}

	driver := r.log.Runs[0].Tool.Driver
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:               ruleID,
		Name:             pString(name),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(name)},
		FullDescription:  &sarif.MultiformatMessageString{Text: pString(finding.Description)},
		Help: &sarif.MultiformatMessageString{
			Text:     pString(finding.Template),
			Markdown: pString(markdownHelp),
		},
		Properties: &props,
	})
	r.rulesByPOC[finding.POCID] = ruleID
	return ruleID
}

// createLocations points the result at the matched statement in the page.
func (r *SARIFReporter) createLocations(finding schemas.Finding) []*sarif.Location {
	physical := &sarif.PhysicalLocation{
		ArtifactLocation: &sarif.ArtifactLocation{URI: pString(finding.Page)},
	}
	if loc := finding.Location; loc.StartLine > 0 {
		region := &sarif.Region{
			StartLine:   loc.StartLine,
			StartColumn: loc.StartColumn + 1,
			EndLine:     loc.EndLine,
		}
		if loc.EndLine > 0 {
			region.EndColumn = loc.EndColumn + 1
		}
		if finding.Statement != "" {
			region.Snippet = &sarif.Message{Text: pString(finding.Statement)}
		}
		physical.Region = region
	}
	return []*sarif.Location{{
		PhysicalLocation: physical,
		Message:          &sarif.Message{Text: pString(fmt.Sprintf("POC %s instantiated in %s", finding.POCID, finding.Page))},
	}}
}

// mapSeverityToSARIFLevel converts a finding severity to the SARIF level.
func mapSeverityToSARIFLevel(severity schemas.Severity) sarif.Level {
	switch severity {
	case schemas.SeverityCritical, schemas.SeverityHigh:
		return sarif.LevelError
	case schemas.SeverityMedium:
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

// pString returns a pointer to the given string value. Helper for optional SARIF fields.
func pString(s string) *string {
	return &s
}
