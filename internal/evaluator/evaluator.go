// Package evaluator independently re-checks a just-produced execution
// result against shape rules and on-disk truth. It never mutates the
// result, only judges it; findings are data, not errors.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"replayline/internal/artifact"
	"replayline/internal/canonical"
	"replayline/internal/store"
)

// Version tags every evaluation artifact this evaluator produces.
const Version = "v1"

// Evaluator re-validates execution results and records verdict artifacts.
type Evaluator struct {
	Store store.Store
	Now   func() time.Time
	Log   *zap.Logger
}

// New returns an Evaluator with a live clock and a no-op logger.
func New(s store.Store) Evaluator {
	return Evaluator{Store: s, Now: time.Now, Log: zap.NewNop()}
}

func (ev Evaluator) now() time.Time {
	if ev.Now != nil {
		return ev.Now()
	}
	return time.Now()
}

func (ev Evaluator) log() *zap.Logger {
	if ev.Log != nil {
		return ev.Log
	}
	return zap.NewNop()
}

// Evaluate runs the fixed check sequence over a raw execution result.
// A schema-invalid result short-circuits after the first check; every
// later check records its verdict even when an earlier one failed, so
// the reasons ordering is reproducible. The returned error signals an
// internal invariant breach only, never a finding.
func (ev Evaluator) Evaluate(raw map[string]any) (artifact.Evaluation, error) {
	checks := map[string]any{}
	reasons := []string{}

	if err := artifact.ValidateResultMap(raw); err != nil {
		checks["execution_result_schema_valid"] = false
		reasons = append(reasons, "execution_result_schema_invalid")
		hash, _ := raw["request_hash"].(string)
		return ev.build(artifact.StatusFail, hash, reasons, checks)
	}
	checks["execution_result_schema_valid"] = true

	ok, r := checkRequiredKeys(raw)
	checks["required_keys_present"] = ok
	reasons = append(reasons, r...)

	ok, r = checkNoError(raw)
	checks["no_error_field"] = ok
	reasons = append(reasons, r...)

	ok, r = checkOutputsShape(raw)
	checks["outputs_shape_valid"] = ok
	reasons = append(reasons, r...)

	ok, r, writeChecks := ev.checkWriteRecords(raw)
	checks["write_records_valid"] = ok
	for k, v := range writeChecks {
		checks[k] = v
	}
	reasons = append(reasons, r...)

	status := artifact.StatusPass
	if len(reasons) > 0 {
		status = artifact.StatusFail
	}
	hash, _ := raw["request_hash"].(string)
	return ev.build(status, hash, reasons, checks)
}

// Consume reads the current execution result, evaluates it, and persists
// the verdict as both the current evaluation artifact and one history
// append. A missing or unreadable result still yields a visible fail
// artifact; nothing here raises past the boundary except an internal
// invariant breach.
func (ev Evaluator) Consume(ctx context.Context) (artifact.Evaluation, error) {
	_ = ctx

	var evaluation artifact.Evaluation
	raw, err := ev.Store.ReadJSON(ev.Store.ResultPath())
	if err != nil {
		evaluation, err = ev.build(artifact.StatusFail, "", []string{"missing_or_invalid_execution_result"}, map[string]any{
			"execution_result_schema_valid": false,
			"error_type":                    readErrorType(err),
		})
		if err != nil {
			return artifact.Evaluation{}, err
		}
	} else {
		evaluation, err = ev.Evaluate(raw)
		if err != nil {
			return artifact.Evaluation{}, err
		}
	}

	if err := ev.Store.WriteJSONAtomic(ev.Store.EvaluationPath(), evaluation); err != nil {
		return artifact.Evaluation{}, fmt.Errorf("persist evaluation: %w", err)
	}
	if err := ev.Store.AppendNDJSON(ev.Store.EvaluationHistoryPath(), evaluation); err != nil {
		return artifact.Evaluation{}, fmt.Errorf("append evaluation history: %w", err)
	}
	ev.log().Info("evaluation recorded",
		zap.String("status", evaluation.Status),
		zap.String("request_hash", evaluation.RequestHash),
		zap.Int("reasons", len(evaluation.Reasons)))
	return evaluation, nil
}

// build assembles and self-validates an evaluation. A self-validation
// failure is a programming defect and is returned as a hard error rather
// than published.
func (ev Evaluator) build(status, requestHash string, reasons []string, checks map[string]any) (artifact.Evaluation, error) {
	evaluation := artifact.Evaluation{
		Status:      status,
		RequestHash: requestHash,
		Reasons:     reasons,
		Checks:      checks,
		Meta: &artifact.EvaluationMeta{
			ProducedAt:       ev.now().UTC().Format(time.RFC3339Nano),
			EvaluatorVersion: Version,
		},
	}
	if err := evaluation.Validate(); err != nil {
		return artifact.Evaluation{}, fmt.Errorf("evaluation failed self-validation: %w", err)
	}
	return evaluation, nil
}

func checkRequiredKeys(raw map[string]any) (bool, []string) {
	var missing []string
	for _, k := range artifact.RequiredResultKeys {
		if _, ok := raw[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return true, nil
	}
	sort.Strings(missing)
	reasons := make([]string, 0, len(missing))
	for _, k := range missing {
		reasons = append(reasons, "missing_required_key:"+k)
	}
	return false, reasons
}

func checkNoError(raw map[string]any) (bool, []string) {
	var reasons []string
	if raw["status"] != artifact.StatusSuccess {
		reasons = append(reasons, "execution_status_not_success")
	}
	if !errorFieldEmpty(raw["error"]) {
		reasons = append(reasons, "execution_error_field_present")
	}
	return len(reasons) == 0, reasons
}

func errorFieldEmpty(v any) bool {
	if v == nil {
		return true
	}
	m, ok := v.(map[string]any)
	return ok && len(m) == 0
}

func checkOutputsShape(raw map[string]any) (bool, []string) {
	outputs, ok := raw["outputs"].(map[string]any)
	if !ok {
		return false, []string{"outputs_not_object"}
	}
	writesAny, present := outputs["writes"]
	if !present || writesAny == nil {
		return true, nil
	}
	writes, ok := writesAny.([]any)
	if !ok {
		return false, []string{"writes_not_list"}
	}
	for i, w := range writes {
		entry, ok := w.(map[string]any)
		if !ok {
			return false, []string{fmt.Sprintf("write_record_not_object:%d", i)}
		}
		for _, key := range []string{"path", "sha256", "bytes"} {
			if _, ok := entry[key]; !ok {
				return false, []string{fmt.Sprintf("write_record_missing_key:%d:%s", i, key)}
			}
		}
	}
	return true, nil
}

// checkWriteRecords confirms every declared write against on-disk truth:
// the file exists, re-hashes to the declared sha256, and has the declared
// length. Each mismatch is an independent reason.
func (ev Evaluator) checkWriteRecords(raw map[string]any) (bool, []string, map[string]any) {
	outputs, _ := raw["outputs"].(map[string]any)
	writes, _ := outputs["writes"].([]any)
	if len(writes) == 0 {
		return true, nil, map[string]any{
			"writes_present": false,
			"writes_checked": 0,
			"writes_ok":      0,
		}
	}

	var reasons []string
	checked := 0
	okCount := 0
	for _, w := range writes {
		entry, ok := w.(map[string]any)
		if !ok {
			continue
		}
		checked++
		pathStr, _ := entry["path"].(string)
		expectedSHA, _ := entry["sha256"].(string)
		expectedBytes, hasBytes := intField(entry, "bytes")

		p := pathStr
		if !filepath.IsAbs(p) {
			// Records are written with absolute paths; tolerate relative ones
			// from older or hand-built artifacts by resolving against the
			// public directory's parent.
			p = filepath.Join(filepath.Dir(ev.Store.Public), p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			reasons = append(reasons, "write_file_missing:"+pathStr)
			continue
		}
		if expectedSHA != "" && canonical.SHA256Bytes(data) != expectedSHA {
			reasons = append(reasons, "write_sha_mismatch:"+pathStr)
			continue
		}
		if hasBytes && int64(len(data)) != expectedBytes {
			reasons = append(reasons, "write_bytes_mismatch:"+pathStr)
			continue
		}
		okCount++
	}
	checks := map[string]any{
		"writes_present": true,
		"writes_checked": checked,
		"writes_ok":      okCount,
	}
	return len(reasons) == 0, reasons, checks
}

func intField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func readErrorType(err error) string {
	if os.IsNotExist(err) {
		return "not_found"
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return "parse_error"
	}
	return "io_error"
}
