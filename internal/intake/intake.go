// Package intake accepts execution requests from producers, stamps transport
// metadata, and stages them for the consumer. Enrichment only touches keys
// the fingerprint ignores, so intake never changes a request's identity.
package intake

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"replayline/internal/artifact"
	"replayline/internal/canonical"
	"replayline/internal/store"
)

// Intake stages submitted requests: atomic overwrite of the pending request
// file plus one append to the request history log.
type Intake struct {
	Store  store.Store
	Source string
	Now    func() time.Time
	Log    *zap.Logger
}

// New returns an Intake with a live clock and a no-op logger.
func New(s store.Store, source string) Intake {
	return Intake{Store: s, Source: source, Now: time.Now, Log: zap.NewNop()}
}

func (in Intake) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

func (in Intake) log() *zap.Logger {
	if in.Log != nil {
		return in.Log
	}
	return zap.NewNop()
}

func (in Intake) source() string {
	if in.Source != "" {
		return in.Source
	}
	return "direct"
}

// Submit validates, enriches, and stages one request. The returned map is
// the stored form and the string its fingerprint. Submission is the one
// boundary that rejects malformed requests up front; requests that bypass
// intake are still handled by the consumer's error synthesis.
func (in Intake) Submit(ctx context.Context, raw map[string]any) (map[string]any, string, error) {
	_ = ctx

	if _, err := artifact.ParseRequest(raw); err != nil {
		return nil, "", fmt.Errorf("invalid request: %w", err)
	}

	enriched := make(map[string]any, len(raw)+2)
	for k, v := range raw {
		enriched[k] = v
	}
	if _, ok := enriched["kind"]; !ok {
		enriched["kind"] = artifact.KindExecutionRequest
	}
	now := in.now().UTC().Format(time.RFC3339Nano)
	if s, ok := enriched["created_at"].(string); !ok || s == "" {
		enriched["created_at"] = now
	}
	enriched["_meta"] = map[string]any{
		"source":      in.source(),
		"received_at": now,
	}

	hash, err := canonical.RequestHash(enriched)
	if err != nil {
		return nil, "", fmt.Errorf("fingerprint request: %w", err)
	}
	if err := in.Store.WriteJSONAtomic(in.Store.RequestPath(), enriched); err != nil {
		return nil, "", fmt.Errorf("stage request: %w", err)
	}
	if err := in.Store.AppendNDJSON(in.Store.RequestHistoryPath(), enriched); err != nil {
		return nil, "", fmt.Errorf("append request history: %w", err)
	}
	in.log().Info("request staged",
		zap.String("request_hash", hash),
		zap.String("source", in.source()))
	return enriched, hash, nil
}
