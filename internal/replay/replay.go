// Package replay re-runs a historical execution request through the live
// pipeline. The replayed pass is a real pass: the pending request file is
// overwritten, the consumer runs, and history grows by one line. Only the
// current artifacts are annotated with replay provenance; history lines
// never carry it.
package replay

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"replayline/internal/artifact"
	"replayline/internal/canonical"
	"replayline/internal/consumer"
	"replayline/internal/store"
)

// Options selects which historical request to replay. RequestHash takes
// precedence over Index; with neither set the most recent entry is used.
type Options struct {
	RequestHash string
	Index       *int
}

// Outcome reports what was replayed and what the pipeline produced.
type Outcome struct {
	Result         artifact.Result
	SelectedHash   string
	SelectedIndex  int
	MalformedLines int
}

// Runner replays requests from the request history log.
type Runner struct {
	Store    store.Store
	Consumer consumer.Consumer
	Log      *zap.Logger
}

// New returns a Runner wired to a fresh consumer over the same store.
func New(s store.Store) Runner {
	return Runner{Store: s, Consumer: consumer.New(s), Log: zap.NewNop()}
}

func (r Runner) log() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

// Run selects a historical request, re-submits it as the pending request,
// and consumes it. Selection failures are loud: a hash with no match or an
// out-of-range index is an error, never a silent fallback.
func (r Runner) Run(ctx context.Context, opts Options) (Outcome, error) {
	entries, malformed, err := r.Store.ReadNDJSON(r.Store.RequestHistoryPath())
	if err != nil {
		return Outcome{}, fmt.Errorf("read request history: %w", err)
	}
	if len(entries) == 0 {
		return Outcome{}, fmt.Errorf("request history is empty, nothing to replay")
	}

	idx, err := r.selectEntry(entries, opts)
	if err != nil {
		return Outcome{}, err
	}
	selected := entries[idx]
	hash, err := canonical.RequestHash(selected)
	if err != nil {
		return Outcome{}, fmt.Errorf("fingerprint selected request: %w", err)
	}

	if err := r.Store.WriteJSONAtomic(r.Store.RequestPath(), selected); err != nil {
		return Outcome{}, fmt.Errorf("stage replayed request: %w", err)
	}
	r.log().Info("replaying request",
		zap.String("request_hash", hash),
		zap.Int("history_index", idx),
		zap.Int("malformed_lines_ignored", malformed))

	result, err := r.Consumer.Consume(ctx)
	if err != nil {
		return Outcome{}, err
	}

	marker := map[string]any{
		"selected_request_hash":          hash,
		"selected_index":                 idx,
		"malformed_ndjson_lines_ignored": malformed,
	}
	if err := r.annotate(r.Store.ResultPath(), marker); err != nil {
		return Outcome{}, err
	}
	// The evaluation artifact may predate this pass: error replays do not
	// refresh it. When it exists it still gets the provenance marker.
	if err := r.annotateIfPresent(r.Store.EvaluationPath(), marker); err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Result:         result,
		SelectedHash:   hash,
		SelectedIndex:  idx,
		MalformedLines: malformed,
	}, nil
}

func (r Runner) selectEntry(entries []map[string]any, opts Options) (int, error) {
	if opts.RequestHash != "" {
		for i, e := range entries {
			h, err := canonical.RequestHash(e)
			if err != nil {
				continue
			}
			if h == opts.RequestHash {
				return i, nil
			}
		}
		return 0, fmt.Errorf("no request in history matches hash %s", opts.RequestHash)
	}
	if opts.Index != nil {
		if *opts.Index < 0 || *opts.Index >= len(entries) {
			return 0, fmt.Errorf("history index %d out of range, %d entries available", *opts.Index, len(entries))
		}
		return *opts.Index, nil
	}
	return len(entries) - 1, nil
}

// annotate adds the replay provenance marker to one current artifact. The
// file is re-read and atomically rewritten so readers never see a partial
// object. A missing file is an error: the pipeline just wrote it.
func (r Runner) annotate(path string, marker map[string]any) error {
	raw, err := r.Store.ReadJSON(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("current artifact %s missing after replay", path)
		}
		return fmt.Errorf("annotate %s: %w", path, err)
	}
	raw["_replay"] = marker
	return r.Store.WriteJSONAtomic(path, raw)
}

// annotateIfPresent is annotate with absence tolerated, for artifacts the
// pass is not guaranteed to have produced.
func (r Runner) annotateIfPresent(path string, marker map[string]any) error {
	raw, err := r.Store.ReadJSON(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("annotate %s: %w", path, err)
	}
	raw["_replay"] = marker
	return r.Store.WriteJSONAtomic(path, raw)
}
