package factory

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/logging"
)

var logger = logging.New("factory")

// Parse reads the factory document at path, decodes it, validates it, and
// compiles defaults. It returns the Factory together with any non-fatal
// warnings. A validation error makes the document unusable and aborts before
// any run artifact is created.
func Parse(path string) (*Factory, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("factory: reading %s: %w", path, err)
	}

	f, warnings, err := ParseBytes(data)
	if err != nil {
		return nil, warnings, fmt.Errorf("factory: %s: %w", path, err)
	}
	f.SourcePath = path
	return f, warnings, nil
}

// ParseBytes decodes and validates a factory document from memory. It is the
// file-free core of Parse, used directly by tests and by nested-factory
// resolution.
func ParseBytes(data []byte) (*Factory, []string, error) {
	var f Factory
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("decoding document: %w", err)
	}

	warnings := unknownKeyWarnings(data)

	vr := Validate(&f)
	if vr.HasErrors() {
		warnings = append(warnings, warningMessages(vr)...)
		return nil, warnings, fmt.Errorf("invalid factory: %s", vr.Errors()[0].Message)
	}

	applyDefaults(&f)

	warnings = append(warnings, warningMessages(vr)...)
	for _, w := range warnings {
		logger.Warn("factory validation", "warning", w)
	}
	return &f, warnings, nil
}

// unknownKeyWarnings re-decodes the document with strict field checking and
// reports keys the schema does not define. A misspelled key like depends_onn
// silently drops a dependency, so it is worth a warning, but never fails the
// parse.
func unknownKeyWarnings(data []byte) []string {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f Factory
	err := dec.Decode(&f)
	if err == nil {
		return nil
	}
	var te *yaml.TypeError
	if !errors.As(err, &te) {
		return nil
	}
	var out []string
	for _, msg := range te.Errors {
		if strings.Contains(msg, "not found in type") {
			out = append(out, "unknown key: "+msg)
		}
	}
	return out
}

// applyDefaults fills in stage config defaults after validation has accepted
// the document: iterations, parallel, and merge strategy.
func applyDefaults(f *Factory) {
	if f.Variables == nil {
		f.Variables = map[string]any{}
	}
	if f.Agents == nil {
		f.Agents = map[string]string{}
	}
	for _, s := range f.Stages {
		if s.Config.Iterations == 0 {
			s.Config.Iterations = DefaultIterations
		}
		if s.Config.Parallel == 0 {
			s.Config.Parallel = DefaultParallel
		}
		if s.MergeStrategy == "" {
			s.MergeStrategy = MergeAll
		}
		if s.Input == nil {
			s.Input = map[string]string{}
		}
	}
}

// warningMessages flattens warning-severity issues into display strings.
func warningMessages(vr *ValidationResult) []string {
	var out []string
	for _, issue := range vr.Warnings() {
		if issue.Field != "" {
			out = append(out, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
		} else {
			out = append(out, issue.Message)
		}
	}
	return out
}
