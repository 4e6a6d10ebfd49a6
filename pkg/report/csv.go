package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/core"
)

// CSVHeader is the ledger's first row.
var CSVHeader = []string{"testName", "testStatus", "functionalUnit", "testTime", "failedSteps"}

// CSVLedger appends one row per finished test to a CSV file that outlives
// individual runs. The header is written only when the file is new.
type CSVLedger struct {
	mu   sync.Mutex
	path string
}

// NewCSVLedger returns a ledger for path. The file is created on the first
// Append.
func NewCSVLedger(path string) *CSVLedger {
	return &CSVLedger{path: path}
}

// Append writes the row for result.
func (l *CSVLedger) Append(result *core.TestResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ensureDir(filepath.Dir(l.path)); err != nil {
		return err
	}
	_, statErr := os.Stat(l.path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(CSVHeader); err != nil {
			return err
		}
	}
	if err := w.Write(csvRow(result)); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func csvRow(result *core.TestResult) []string {
	end := result.StartTime.Add(result.Duration)
	if result.StartTime.IsZero() {
		end = time.Now()
	}
	return []string{
		result.TestName,
		capitalize(result.Status.String()),
		result.FunctionalUnit,
		end.Format(time.RFC3339),
		strings.Join(result.FailedStepNames(), "; "),
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
