package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/threatwatch/threatwatch/internal/core"
	"github.com/threatwatch/threatwatch/internal/evidence"
	"github.com/threatwatch/threatwatch/internal/features"
	"github.com/threatwatch/threatwatch/internal/history"
	"github.com/threatwatch/threatwatch/internal/model"
	"github.com/threatwatch/threatwatch/internal/validate"
)

// observation is one history write made while scoring a request.
type observation struct {
	subject string
	written history.Snapshot
	prev    *history.Snapshot
}

type atoArtifacts struct {
	classifier   model.Classifier
	materializer *features.LoginMaterializer
	threshold    model.ThresholdInfo
	info         model.Info
}

// ATO scores logins for account takeover. It is the only service that
// reads and writes the behavioral history store.
type ATO struct {
	service
	opts  features.LoginOptions
	state atomic.Pointer[atoArtifacts]
}

// NewATO creates the account-takeover service.
func NewATO(deps Deps) (*ATO, error) {
	if deps.History == nil {
		return nil, errors.New("scoring: ato requires a history store")
	}
	s, err := newService(core.ModelATO, "account takeover login classifier", deps)
	if err != nil {
		return nil, err
	}
	h := deps.Config.History
	return &ATO{
		service: s,
		opts:    features.LoginOptions{RapidLogin: h.RapidLogin, LongGap: h.LongGap},
	}, nil
}

// Load reads the model directory and swaps the artifacts in.
func (a *ATO) Load() error {
	enc, err := features.LoadEncoders(a.path(EncodersFile))
	if err != nil {
		return err
	}
	mat, err := features.NewLoginMaterializer(enc, a.opts)
	if err != nil {
		return fmt.Errorf("encoders %s: %w", a.path(EncodersFile), err)
	}
	c, th, info, err := a.loadCommon(mat.Width(), DefaultInfo(a.modelType))
	if err != nil {
		return err
	}

	a.state.Store(&atoArtifacts{classifier: c, materializer: mat, threshold: th, info: info})
	a.logger.Info().
		Str("model", info.ModelName).
		Int("features", c.NumFeatures()).
		Float64("threshold", th.Optimal).
		Bool("calibrated", th.Calibrated).
		Msg("ato artifacts loaded")
	return nil
}

func (a *ATO) Ready() bool { return a.state.Load() != nil }

// ModelName is the trained model's name.
func (a *ATO) ModelName() string {
	if st := a.state.Load(); st != nil {
		return st.info.ModelName
	}
	return ""
}

// Predict scores one login and records it in the subject's history. The
// history write is undone when scoring fails.
func (a *ATO) Predict(ctx context.Context, rec features.LoginRecord) (*Result, error) {
	st := a.state.Load()
	if st == nil {
		return nil, ErrNotLoaded
	}
	var journal []observation
	r, err := a.predict(ctx, st, rec, "", 0, &journal)
	if err != nil {
		a.rollback(ctx, journal)
		return nil, err
	}
	a.publish(r, "", 0)
	return r, nil
}

func (a *ATO) predict(ctx context.Context, st *atoArtifacts, rec features.LoginRecord, batchID string, index int, journal *[]observation) (*Result, error) {
	start := time.Now()
	at, err := features.ParseLoginTime(rec.LoginTimestamp, a.now())
	if err != nil {
		a.countValidation()
		field := "login_timestamp"
		if batchID != "" {
			field = fmt.Sprintf("%s.%d.login_timestamp", a.validator.BatchKey(), index)
		}
		return nil, &validate.Error{Details: []validate.Detail{{Field: field, Message: err.Error(), Type: "format"}}}
	}

	attrs := features.LoginAttributes(rec)
	changes, err := a.deps.History.Observe(ctx, rec.UserID, attrs, at)
	if err != nil {
		return nil, fmt.Errorf("observing %s: %w", rec.UserID, err)
	}
	*journal = append(*journal, observation{
		subject: rec.UserID,
		written: history.Snapshot{Attributes: attrs, ObservedAt: at},
		prev:    changes.Previous,
	})
	if a.deps.Metrics != nil {
		a.deps.Metrics.IncHistoryObservation(a.deps.History.Backend(), changes.First)
	}

	f := st.materializer.Materialize(rec, at, changes)
	r, err := a.decide(st.classifier, f.Vector, st.threshold.Optimal, st.info.ModelName)
	if err != nil {
		return nil, err
	}
	risk := r.decision.RiskScore
	r.RiskScore = &risk

	exp := evidence.ExplainLogin(evidence.Login{Record: rec, Features: f, Options: a.opts}, r.decision.Threat, r.decision.Confidence)
	r.Explanation = exp
	r.evidence = exp.Explanation
	r.detail = fmt.Sprintf("Risk score: %.1f", risk)
	r.record = rec
	a.finish(r, start)
	return r, nil
}

// Score validates and scores a single-login body.
func (a *ATO) Score(ctx context.Context, body []byte) (*Result, error) {
	rec, err := decodeRecord[features.LoginRecord](&a.service, body)
	if err != nil {
		return nil, err
	}
	return a.Predict(ctx, rec)
}

// ScoreBatch validates and scores a {"logins": [...]} body. Records are
// observed in order, so two logins of one user in a batch see each other.
func (a *ATO) ScoreBatch(ctx context.Context, body []byte) (*BatchResult, error) {
	recs, err := decodeBatch[features.LoginRecord](&a.service, body)
	if err != nil {
		return nil, err
	}
	if err := a.checkTimestamps(recs); err != nil {
		return nil, err
	}
	st := a.state.Load()
	if st == nil {
		return nil, ErrNotLoaded
	}
	var journal []observation
	res, err := a.runBatch(len(recs), func(batchID string, i int) (*Result, error) {
		return a.predict(ctx, st, recs[i], batchID, i, &journal)
	})
	if err != nil {
		a.rollback(ctx, journal)
		return nil, err
	}
	return res, nil
}

// rollback undoes the history writes of a failed request, newest first, so
// a retry is compared against the same snapshots as the first attempt.
func (a *ATO) rollback(ctx context.Context, journal []observation) {
	ctx = context.WithoutCancel(ctx)
	for i := len(journal) - 1; i >= 0; i-- {
		o := journal[i]
		if err := a.deps.History.Restore(ctx, o.subject, o.written, o.prev); err != nil {
			a.logger.Error().Err(err).Str("user_id", o.subject).Msg("failed to restore login history")
		}
	}
}

// checkTimestamps rejects the whole batch before any history write when a
// timestamp cannot be parsed.
func (a *ATO) checkTimestamps(recs []features.LoginRecord) error {
	var details []validate.Detail
	now := a.now()
	for i, rec := range recs {
		if _, err := features.ParseLoginTime(rec.LoginTimestamp, now); err != nil {
			details = append(details, validate.Detail{
				Field:   fmt.Sprintf("%s.%d.login_timestamp", a.validator.BatchKey(), i),
				Message: err.Error(),
				Type:    "format",
			})
		}
	}
	if len(details) > 0 {
		a.countValidation()
		return &validate.Error{Details: details}
	}
	return nil
}

// Info returns the model metadata including the decision threshold.
func (a *ATO) Info() (ModelInfo, error) {
	st := a.state.Load()
	if st == nil {
		return ModelInfo{}, ErrNotLoaded
	}
	mi := newModelInfo(a.modelType, st.classifier, st.info, FeatureInfo{
		Total:     st.classifier.NumFeatures(),
		Breakdown: features.LoginFeatureGroups,
	})
	mi.ThresholdInfo = thresholdReport(st.threshold)
	return mi, nil
}
