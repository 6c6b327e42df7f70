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

type phishingArtifacts struct {
	classifier   model.Classifier
	materializer *features.EmailMaterializer
	threshold    model.ThresholdInfo
	info         model.Info
	tfidfSize    int
}

// Phishing scores emails.
type Phishing struct {
	service
	state atomic.Pointer[phishingArtifacts]
}

// NewPhishing creates the phishing service. Artifacts are read by Load.
func NewPhishing(deps Deps) (*Phishing, error) {
	s, err := newService(core.ModelPhishing, "phishing email classifier", deps)
	if err != nil {
		return nil, err
	}
	return &Phishing{service: s}, nil
}

// Load reads the model directory and swaps the artifacts in. On error the
// previous artifacts stay in place.
func (p *Phishing) Load() error {
	enc, err := features.LoadEncoders(p.path(EncodersFile))
	if err != nil {
		return err
	}
	vec, err := features.LoadVectorizer(p.path(VectorizerFile))
	if err != nil {
		return err
	}
	mat, err := features.NewEmailMaterializer(enc, vec)
	if err != nil {
		return fmt.Errorf("encoders %s: %w", p.path(EncodersFile), err)
	}
	c, th, info, err := p.loadCommon(mat.Width(), DefaultInfo(p.modelType))
	if err != nil {
		return err
	}

	p.state.Store(&phishingArtifacts{
		classifier:   c,
		materializer: mat,
		threshold:    th,
		info:         info,
		tfidfSize:    vec.Size(),
	})
	p.logger.Info().
		Str("model", info.ModelName).
		Int("features", c.NumFeatures()).
		Int("tfidf", vec.Size()).
		Float64("threshold", th.Optimal).
		Msg("phishing artifacts loaded")
	return nil
}

func (p *Phishing) Ready() bool { return p.state.Load() != nil }

// ModelName is the trained model's name.
func (p *Phishing) ModelName() string {
	if st := p.state.Load(); st != nil {
		return st.info.ModelName
	}
	return ""
}

// Predict scores one email.
func (p *Phishing) Predict(_ context.Context, rec features.EmailRecord) (*Result, error) {
	st := p.state.Load()
	if st == nil {
		return nil, ErrNotLoaded
	}
	return p.published(p.predict(st, rec))
}

func (p *Phishing) predict(st *phishingArtifacts, rec features.EmailRecord) (*Result, error) {
	start := time.Now()
	f := st.materializer.Materialize(rec)
	r, err := p.decide(st.classifier, f.Vector, st.threshold.Optimal, st.info.ModelName)
	if err != nil {
		return nil, err
	}
	exp := evidence.ExplainEmail(evidence.Email{Record: rec, Features: f}, r.decision.Threat, r.decision.Confidence)
	r.Explanation = exp
	r.evidence = exp.Explanation
	r.detail = "Sender: " + rec.Sender
	r.record = rec
	p.finish(r, start)
	return r, nil
}

// Score validates and scores a single-email body.
func (p *Phishing) Score(ctx context.Context, body []byte) (*Result, error) {
	rec, err := decodeRecord[features.EmailRecord](&p.service, body)
	if err != nil {
		return nil, err
	}
	return p.Predict(ctx, rec)
}

// ScoreBatch validates and scores an {"emails": [...]} body.
func (p *Phishing) ScoreBatch(_ context.Context, body []byte) (*BatchResult, error) {
	recs, err := decodeBatch[features.EmailRecord](&p.service, body)
	if err != nil {
		return nil, err
	}
	st := p.state.Load()
	if st == nil {
		return nil, ErrNotLoaded
	}
	return p.runBatch(len(recs), func(_ string, i int) (*Result, error) {
		return p.predict(st, recs[i])
	})
}

// Info returns the model metadata.
func (p *Phishing) Info() (ModelInfo, error) {
	st := p.state.Load()
	if st == nil {
		return ModelInfo{}, ErrNotLoaded
	}
	mi := newModelInfo(p.modelType, st.classifier, st.info, FeatureInfo{
		Total: st.classifier.NumFeatures(),
		Breakdown: map[string]int{
			"numeric": len(features.EmailNumericColumns),
			"tfidf":   st.tfidfSize,
		},
	})
	if st.threshold.Calibrated {
		mi.ThresholdInfo = thresholdReport(st.threshold)
	}
	return mi, nil
}
