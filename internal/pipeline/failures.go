package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/ledger"
	"github.com/ppiankov/releasetrail/internal/model"
)

// Stats summarizes one stage run
type Stats struct {
	Total   int
	Done    int
	Skipped int
	Failed  int
}

// recorder logs skipped items and writes them to the failure log. A nil
// ledger only logs.
type recorder struct {
	ledger *ledger.Ledger
	runID  string
	log    *zap.Logger
}

func (r *recorder) fail(ctx context.Context, stage model.Stage, org string, prov model.Provenance, link string, reason string) {
	r.log.Warn("skipping item",
		zap.String("stage", string(stage)),
		zap.String("org", org),
		zap.String("provenance", string(prov)),
		zap.String("url", link),
		zap.String("reason", reason))
	if r.ledger == nil {
		return
	}
	_, err := r.ledger.RecordFailure(context.WithoutCancel(ctx), model.FailureRecord{
		RunID:        r.runID,
		Stage:        stage,
		Organization: org,
		Provenance:   prov,
		Link:         link,
		Reason:       reason,
	})
	if err != nil {
		r.log.Error("failed to record failure", zap.Error(err))
	}
}

func (r *recorder) resolve(ctx context.Context, stage model.Stage, org string, prov model.Provenance, link string) {
	if r.ledger == nil {
		return
	}
	if _, err := r.ledger.ResolveFailures(ctx, stage, org, prov, link); err != nil {
		r.log.Error("failed to resolve failures", zap.Error(err))
	}
}

func (r *recorder) open(ctx context.Context, stage model.Stage, prov model.Provenance) ([]model.FailureRecord, error) {
	if r.ledger == nil {
		return nil, nil
	}
	return r.ledger.Failures(ctx, ledger.FailureFilter{Stage: stage, Provenance: prov})
}
