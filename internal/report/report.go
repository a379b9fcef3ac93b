// Package report defines the terminal verification report and its wire form.
package report

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/andresmejia3/deepguard/internal/types"
)

// Verdict is the binary outcome of a run.
type Verdict string

const (
	Approved Verdict = "APPROVED"
	Rejected Verdict = "REJECTED"
)

// Severity orders verdicts so that APPROVED < REJECTED.
func (v Verdict) Severity() int {
	if v == Approved {
		return 0
	}
	return 1
}

// Report is immutable once built; use New to construct one.
type Report struct {
	Model      string   `json:"model"`
	ModelScore float64  `json:"model_score"`
	FinalScore float64  `json:"final_score"`
	Verdict    Verdict  `json:"verdict"`
	Signals    []string `json:"signals"`
}

// New rounds both scores to 4 decimals and deduplicates and sorts the signals.
func New(model string, modelScore, finalScore float64, verdict Verdict, signals []string) Report {
	tags := types.Dedup(signals)
	sort.Strings(tags)
	return Report{
		Model:      model,
		ModelScore: Round4(types.Clamp01(modelScore)),
		FinalScore: Round4(types.Clamp01(finalScore)),
		Verdict:    verdict,
		Signals:    tags,
	}
}

// Has reports whether the signal tag was raised.
func (r Report) Has(tag string) bool {
	for _, s := range r.Signals {
		if s == tag {
			return true
		}
	}
	return false
}

// Round4 rounds half away from zero to 4 decimal places.
func Round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("report.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("report.schema.json")
	})
	return schema, schemaErr
}

// Validate checks the report against the embedded JSON schema.
func Validate(r Report) error {
	s, err := compiled()
	if err != nil {
		return fmt.Errorf("compile report schema: %w", err)
	}
	if r.Signals == nil {
		r.Signals = []string{}
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return err
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("report failed schema validation: %w", err)
	}
	return nil
}

// Encode validates the report and writes it as indented JSON followed by a newline.
func Encode(w io.Writer, r Report) error {
	if r.Signals == nil {
		r.Signals = []string{}
	}
	if err := Validate(r); err != nil {
		return err
	}
	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')
	_, err = w.Write(out)
	return err
}
