package elaborator

import (
	"log/slog"
	"path/filepath"
	"strings"
)

// Options tunes the pipeline.
type Options struct {
	// BundleID overrides the bundle identifier; defaults to the
	// contract id, falling back to the source file's base name.
	BundleID string
	// WarningsAsErrors fails elaboration when the analysis battery
	// produces any Warning-severity finding.
	WarningsAsErrors bool
}

// Result is a successful elaboration: the canonical bundle bytes plus
// the analysis findings.
type Result struct {
	Bundle   []byte
	Findings []Finding
}

// ElaborateFile runs the whole pipeline over a source file:
// parse+imports, resolve, typecheck, analyze, stratify, serialize.
// Every pass either succeeds or fails with a positioned *Error; no
// partial bundle is ever returned.
func ElaborateFile(path string, opts Options) (*Result, error) {
	logger := slog.Default().With("component", "elaborator")

	unit, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	syms, err := Resolve(unit)
	if err != nil {
		return nil, err
	}
	if err := TypeCheck(unit, syms); err != nil {
		return nil, err
	}
	findings, err := Analyze(unit, syms)
	if err != nil {
		return nil, err
	}
	if opts.WarningsAsErrors {
		for _, f := range findings {
			if f.Severity == SeverityWarning {
				return nil, &Error{
					Pass:    "analyze",
					Kind:    KindAnalysisError,
					File:    f.File,
					Line:    f.Line,
					Message: f.Message,
				}
			}
		}
	}
	if err := Stratify(unit, syms); err != nil {
		return nil, err
	}

	bundleID := opts.BundleID
	if bundleID == "" {
		bundleID = unit.ContractID
	}
	if bundleID == "" {
		base := filepath.Base(path)
		bundleID = strings.TrimSuffix(base, filepath.Ext(base))
	}

	bundle, err := Serialize(unit, syms, bundleID)
	if err != nil {
		return nil, err
	}

	logger.Debug("elaboration complete",
		"bundle_id", bundleID,
		"bytes", len(bundle),
		"findings", len(findings))
	return &Result{Bundle: bundle, Findings: findings}, nil
}
