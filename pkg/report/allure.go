package report

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/logger"
)

// Allure result schema types.

// AllureResult represents a single test result in Allure format.
type AllureResult struct {
	UUID          string              `json:"uuid"`
	HistoryID     string              `json:"historyId"`
	FullName      string              `json:"fullName"`
	Name          string              `json:"name"`
	Status        string              `json:"status"`
	Stage         string              `json:"stage"`
	Start         int64               `json:"start"`
	Stop          int64               `json:"stop"`
	Labels        []AllureLabel       `json:"labels"`
	StatusDetails AllureStatusDetails `json:"statusDetails"`
	Steps         []AllureStep        `json:"steps"`
	Attachments   []AllureAttachment  `json:"attachments"`
}

// AllureStep represents a step within a test result.
type AllureStep struct {
	Name          string              `json:"name"`
	Status        string              `json:"status"`
	Stage         string              `json:"stage"`
	Start         int64               `json:"start"`
	Stop          int64               `json:"stop"`
	StatusDetails AllureStatusDetails `json:"statusDetails"`
	Steps         []AllureStep        `json:"steps"`
	Attachments   []AllureAttachment  `json:"attachments"`
}

// AllureAttachment represents a file attachment.
type AllureAttachment struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// AllureLabel represents a label on a test result.
type AllureLabel struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AllureStatusDetails holds failure message and trace.
type AllureStatusDetails struct {
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// AllureCategory defines a failure category with regex matching.
type AllureCategory struct {
	Name            string   `json:"name"`
	MatchedStatuses []string `json:"matchedStatuses"`
	MessageRegex    string   `json:"messageRegex"`
}

// GenerateAllure writes Allure-compatible result files to
// <reportDir>/allure-results/.
func GenerateAllure(reportDir string) error {
	index, tests, err := ReadReport(reportDir)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	allureDir := filepath.Join(reportDir, "allure-results")
	if err := ensureDir(allureDir); err != nil {
		return fmt.Errorf("create allure-results dir: %w", err)
	}

	for i := range tests {
		if !tests[i].Status.IsTerminal() {
			continue
		}
		result := buildAllureResult(&tests[i], index)
		name := strings.TrimSuffix(index.Tests[i].DataFile, ".json")
		if err := atomicWriteJSON(filepath.Join(allureDir, name+"-result.json"), result); err != nil {
			return fmt.Errorf("write allure result %s: %w", name, err)
		}
		copyAllureAttachments(reportDir, allureDir, tests[i].Steps)
	}

	if err := writeAllureCategories(allureDir); err != nil {
		return err
	}
	return writeAllureEnvironment(allureDir, index)
}

func buildAllureResult(t *TestDetail, index *Index) AllureResult {
	startMs := t.StartTime.UnixMilli()
	if t.StartTime.IsZero() {
		startMs = 0
	}

	labels := []AllureLabel{
		{Name: "suite", Value: t.TestName},
		{Name: "framework", Value: "pagecheck"},
		{Name: "severity", Value: "normal"},
	}
	if t.SourceFile != "" {
		labels = append(labels, AllureLabel{Name: "parentSuite", Value: filepath.Base(t.SourceFile)})
	}
	if t.FunctionalUnit != "" {
		labels = append(labels, AllureLabel{Name: "feature", Value: t.FunctionalUnit})
	}
	if index.Runner.Browser != "" {
		labels = append(labels, AllureLabel{Name: "host", Value: index.Runner.Browser})
	}
	for _, tag := range t.Tags {
		labels = append(labels, AllureLabel{Name: "tag", Value: tag})
	}

	steps := make([]AllureStep, 0, len(t.Steps))
	var attachments []AllureAttachment
	for _, s := range t.Steps {
		step := buildAllureStep(s)
		steps = append(steps, step)
		attachments = append(attachments, step.Attachments...)
	}

	return AllureResult{
		UUID:          t.ID,
		HistoryID:     fnv32aHash(t.TestName + ":" + t.SourceFile),
		FullName:      t.TestName,
		Name:          t.TestName,
		Status:        mapAllureStatus(t.Status, t.Critical),
		Stage:         "finished",
		Start:         startMs,
		Stop:          startMs + t.DurationMs,
		Labels:        labels,
		StatusDetails: AllureStatusDetails{Message: t.Error},
		Steps:         steps,
		Attachments:   attachments,
	}
}

func buildAllureStep(s StepDetail) AllureStep {
	name := s.Name
	if s.Action != "" {
		name = s.Action + ": " + s.Name
	}

	message := s.Error
	if len(s.ValidationErrors) > 0 {
		message = strings.Join(s.ValidationErrors, "\n")
	}

	var attachments []AllureAttachment
	if s.Screenshot != "" {
		attachments = append(attachments, AllureAttachment{
			Name:   "Screenshot",
			Source: attachmentName(s.Screenshot),
			Type:   "image/png",
		})
	}

	startMs := s.StartTime.UnixMilli()
	return AllureStep{
		Name:          name,
		Status:        mapAllureStatus(s.Status, s.ErrorCategory == core.ErrCategoryCritical),
		Stage:         "finished",
		Start:         startMs,
		Stop:          startMs + s.DurationMs,
		StatusDetails: AllureStatusDetails{Message: message},
		Steps:         []AllureStep{},
		Attachments:   attachments,
	}
}

// copyAllureAttachments copies screenshots into allure-results/ flat.
func copyAllureAttachments(reportDir, allureDir string, steps []StepDetail) {
	for _, s := range steps {
		if s.Screenshot == "" {
			continue
		}
		src := s.Screenshot
		if !filepath.IsAbs(src) {
			src = filepath.Join(reportDir, src)
		}
		copyFile(src, filepath.Join(allureDir, attachmentName(s.Screenshot)))
	}
}

// attachmentName flattens a screenshot path into a file name that keeps
// the test directory, so equal step names in different tests do not clash.
func attachmentName(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	if dir == "." || dir == string(filepath.Separator) {
		return filepath.Base(path)
	}
	return dir + "-" + filepath.Base(path)
}

// copyFile copies src to dst. A missing source is ignored; capture may
// have failed for that step.
func copyFile(src, dst string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		logger.Warn("failed to copy %s to %s: %v", src, dst, err)
	}
}

// mapAllureStatus maps a status to Allure's vocabulary. Critical failures
// are "broken": the test could not run to a verdict.
func mapAllureStatus(s core.StepStatus, critical bool) string {
	switch s {
	case core.StatusPassed:
		return "passed"
	case core.StatusFailed:
		if critical {
			return "broken"
		}
		return "failed"
	case core.StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func fnv32aHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

// writeAllureCategories writes categories.json keyed on the engine's
// error messages.
func writeAllureCategories(allureDir string) error {
	categories := []AllureCategory{
		{Name: "Element Not Found", MatchedStatuses: []string{"failed"}, MessageRegex: "(?s).*(no element matches|out of bounds).*"},
		{Name: "Element Not Visible", MatchedStatuses: []string{"failed"}, MessageRegex: "(?s).*(become visible|not visible).*"},
		{Name: "Content Mismatch", MatchedStatuses: []string{"failed"}, MessageRegex: "(?s).*(expected content|does not satisfy|is not a valid).*"},
		{Name: "Navigation Failed", MatchedStatuses: []string{"broken"}, MessageRegex: "(?s).*navigat.*"},
		{Name: "Browser Launch Failed", MatchedStatuses: []string{"broken"}, MessageRegex: "(?s).*(launch|browser session).*"},
		{Name: "Cancelled", MatchedStatuses: []string{"broken", "skipped"}, MessageRegex: "(?s).*cancel.*"},
	}

	data, err := json.MarshalIndent(categories, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	path := filepath.Join(allureDir, "categories.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write categories.json: %w", err)
	}
	return nil
}

// writeAllureEnvironment writes environment.properties with runner metadata.
func writeAllureEnvironment(allureDir string, index *Index) error {
	var b strings.Builder
	b.WriteString("framework=pagecheck\n")
	if index.Runner.Version != "" {
		fmt.Fprintf(&b, "runner.version=%s\n", index.Runner.Version)
	}
	if index.Runner.Driver != "" {
		fmt.Fprintf(&b, "runner.driver=%s\n", index.Runner.Driver)
	}
	if index.Runner.Browser != "" {
		fmt.Fprintf(&b, "runner.browser=%s\n", index.Runner.Browser)
	}
	if index.RunID != "" {
		fmt.Fprintf(&b, "run.id=%s\n", index.RunID)
	}

	path := filepath.Join(allureDir, "environment.properties")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write environment.properties: %w", err)
	}
	return nil
}
