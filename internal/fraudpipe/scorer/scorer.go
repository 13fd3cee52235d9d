// Package scorer wraps the external fraud model. The model itself is opaque:
// it takes the fixed feature vector and answers with a label and the
// probability of fraud.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/features"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
)

type Prediction struct {
	Label       bool    `json:"label"`
	Probability float64 `json:"probability"`
}

type Scorer interface {
	Predict(ctx context.Context, v features.Vector) (Prediction, error)
}

// TxScorer scores a whole transaction. Pipelines depend on this so a scorer
// may also use fields outside the feature vector.
type TxScorer interface {
	Score(ctx context.Context, tx model.Transaction) (Prediction, error)
}

type adapted struct{ s Scorer }

// Adapt runs the feature adapter in front of s.
func Adapt(s Scorer) TxScorer { return adapted{s: s} }

func (a adapted) Score(ctx context.Context, tx model.Transaction) (Prediction, error) {
	v, err := features.Of(tx)
	if err != nil {
		return Prediction{}, err
	}
	return a.s.Predict(ctx, v)
}

// HTTPScorer calls a model server: POST {base}/predict with
// {"features":[...9]} answering {"label":bool,"probability":float}.
type HTTPScorer struct {
	base string
	hc   *http.Client
}

type predictReq struct {
	Features features.Vector `json:"features"`
}

// NewHTTPScorer probes the model server once. A model that cannot answer at
// startup is a configuration error.
func NewHTTPScorer(ctx context.Context, base string, timeout time.Duration) (*HTTPScorer, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, fmt.Errorf("scorer: empty url: %w", fault.ErrConfigurationFatal)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &HTTPScorer{base: base, hc: &http.Client{Timeout: timeout}}
	if _, err := s.Predict(ctx, features.Vector{}); err != nil {
		return nil, fmt.Errorf("scorer: probe %s: %v: %w", base, err, fault.ErrConfigurationFatal)
	}
	return s, nil
}

func (s *HTTPScorer) Predict(ctx context.Context, v features.Vector) (Prediction, error) {
	body, err := json.Marshal(predictReq{Features: v})
	if err != nil {
		return Prediction{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/predict", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.hc.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("scorer: %v: %w", err, fault.ErrTransientUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Prediction{}, fmt.Errorf("scorer: status=%d: %w", resp.StatusCode, fault.ErrTransientUnavailable)
	}
	var out Prediction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Prediction{}, fmt.Errorf("scorer: decode: %v: %w", err, fault.ErrTransientUnavailable)
	}
	if math.IsNaN(out.Probability) || out.Probability < 0 || out.Probability > 1 {
		return Prediction{}, fmt.Errorf("scorer: probability %v outside [0,1]: %w", out.Probability, fault.ErrTransientUnavailable)
	}
	return out, nil
}

// LabelScorer trusts a record's isFraud column when present and defers to
// Fallback otherwise. Labels score with certainty.
type LabelScorer struct {
	Fallback TxScorer
}

func (l LabelScorer) Score(ctx context.Context, tx model.Transaction) (Prediction, error) {
	if tx.Labeled {
		p := 0.0
		if tx.IsFraud {
			p = 1
		}
		return Prediction{Label: tx.IsFraud, Probability: p}, nil
	}
	if l.Fallback == nil {
		return Prediction{}, fmt.Errorf("scorer: %s has no isFraud label and no model is configured: %w", tx.ID, fault.ErrInvalidInput)
	}
	return l.Fallback.Score(ctx, tx)
}

// Func lets a plain function act as a Scorer.
type Func func(ctx context.Context, v features.Vector) (Prediction, error)

func (f Func) Predict(ctx context.Context, v features.Vector) (Prediction, error) { return f(ctx, v) }
