package scoring

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/threatwatch/threatwatch/internal/core"
	"github.com/threatwatch/threatwatch/internal/evidence"
	"github.com/threatwatch/threatwatch/internal/features"
	"github.com/threatwatch/threatwatch/internal/model"
)

type bruteForceArtifacts struct {
	classifier model.Classifier
	threshold  model.ThresholdInfo
	info       model.Info
}

// BruteForce scores normalized network flows.
type BruteForce struct {
	service
	state atomic.Pointer[bruteForceArtifacts]
}

// NewBruteForce creates the brute-force service.
func NewBruteForce(deps Deps) (*BruteForce, error) {
	s, err := newService(core.ModelBruteForce, "network brute-force flow classifier", deps)
	if err != nil {
		return nil, err
	}
	return &BruteForce{service: s}, nil
}

// Load reads the model directory and swaps the artifacts in.
func (b *BruteForce) Load() error {
	c, th, info, err := b.loadCommon(len(features.FlowFields), DefaultInfo(b.modelType))
	if err != nil {
		return err
	}
	b.state.Store(&bruteForceArtifacts{classifier: c, threshold: th, info: info})
	b.logger.Info().
		Str("model", info.ModelName).
		Int("features", c.NumFeatures()).
		Msg("brute force artifacts loaded")
	return nil
}

func (b *BruteForce) Ready() bool { return b.state.Load() != nil }

// ModelName is the trained model's name.
func (b *BruteForce) ModelName() string {
	if st := b.state.Load(); st != nil {
		return st.info.ModelName
	}
	return ""
}

// Predict scores one flow.
func (b *BruteForce) Predict(_ context.Context, rec features.FlowRecord) (*Result, error) {
	st := b.state.Load()
	if st == nil {
		return nil, ErrNotLoaded
	}
	return b.published(b.predict(st, rec))
}

func (b *BruteForce) predict(st *bruteForceArtifacts, rec features.FlowRecord) (*Result, error) {
	start := time.Now()
	r, err := b.decide(st.classifier, features.FlowVector(rec), st.threshold.Optimal, st.info.ModelName)
	if err != nil {
		return nil, err
	}
	exp := evidence.ExplainFlow(rec, r.decision.Threat, r.decision.Confidence)
	r.Explanation = exp
	r.evidence = exp.Explanation
	if len(exp.TopFeatures) > 0 {
		top := exp.TopFeatures[0]
		r.detail = fmt.Sprintf("Top feature: %s=%.4f", top.Name, top.Value)
	}
	r.record = rec
	b.finish(r, start)
	return r, nil
}

// Score validates and scores a single-flow body.
func (b *BruteForce) Score(ctx context.Context, body []byte) (*Result, error) {
	rec, err := decodeRecord[features.FlowRecord](&b.service, body)
	if err != nil {
		return nil, err
	}
	return b.Predict(ctx, rec)
}

// ScoreBatch validates and scores a {"flows": [...]} body.
func (b *BruteForce) ScoreBatch(_ context.Context, body []byte) (*BatchResult, error) {
	recs, err := decodeBatch[features.FlowRecord](&b.service, body)
	if err != nil {
		return nil, err
	}
	st := b.state.Load()
	if st == nil {
		return nil, ErrNotLoaded
	}
	return b.runBatch(len(recs), func(_ string, i int) (*Result, error) {
		return b.predict(st, recs[i])
	})
}

// Info returns the model metadata with the flow field names.
func (b *BruteForce) Info() (ModelInfo, error) {
	st := b.state.Load()
	if st == nil {
		return ModelInfo{}, ErrNotLoaded
	}
	mi := newModelInfo(b.modelType, st.classifier, st.info, FeatureInfo{
		Total:        st.classifier.NumFeatures(),
		FeatureNames: features.FlowFields,
	})
	if st.threshold.Calibrated {
		mi.ThresholdInfo = thresholdReport(st.threshold)
	}
	return mi, nil
}
