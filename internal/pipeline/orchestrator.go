package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/drowsylab/inference-server/internal/logger"
	"github.com/drowsylab/inference-server/internal/modelcache"
	"github.com/drowsylab/inference-server/internal/registry"
	"github.com/drowsylab/inference-server/pkg/types"
)

// Verdict is one architecture's answer for a validated face
type Verdict struct {
	ID         string
	Canonical  string
	Prediction types.Prediction
}

// Evaluation is the orchestrator's output. B is nil in normal mode; the
// caller duplicates A into the second response slot, so a single-model
// request keeps the two-verdict response shape without a second inference.
type Evaluation struct {
	A Verdict
	B *Verdict
}

// Orchestrator resolves models through the cache and assembles verdicts.
// The cache is a typed optional: with a nil cache every request constructs
// its models from scratch, which works but defeats memoization, so it warns
// once at startup use.
type Orchestrator struct {
	registry *registry.Registry
	cache    *modelcache.Cache
	warnOnce sync.Once
}

// NewOrchestrator wires the orchestrator. cache may be nil to run without
// memoization.
func NewOrchestrator(reg *registry.Registry, cache *modelcache.Cache) *Orchestrator {
	return &Orchestrator{registry: reg, cache: cache}
}

func (o *Orchestrator) resolve(id string) (registry.Model, error) {
	if o.cache == nil {
		o.warnOnce.Do(func() {
			logger.Warn("Orchestrator", "running without memoisation: models are constructed per request")
		})
		construct, err := o.registry.Get(id)
		if err != nil {
			return nil, err
		}
		return construct()
	}
	return o.cache.GetOrCreate(id)
}

func (o *Orchestrator) verdict(id string, face *types.Face) (Verdict, error) {
	model, err := o.resolve(id)
	if err != nil {
		return Verdict{}, err
	}
	canonical, err := o.registry.CanonicalName(id)
	if err != nil {
		return Verdict{}, err
	}
	prediction, err := model.Predict(face)
	if err != nil {
		return Verdict{}, fmt.Errorf("predict %q: %w", id, err)
	}
	return Verdict{ID: id, Canonical: canonical, Prediction: prediction}, nil
}

// Evaluate runs one or two models against a validated detection. The caller
// must have short-circuited invalid detections already.
func (o *Orchestrator) Evaluate(det DetectionResult) (Evaluation, error) {
	if !det.Valid || det.Face == nil {
		return Evaluation{}, errors.New("evaluate called with invalid detection")
	}

	a, err := o.verdict(det.Request.ArchitectureA, det.Face)
	if err != nil {
		return Evaluation{}, err
	}
	eval := Evaluation{A: a}

	if det.Request.Compare() {
		// Independent second run; the same id is legal and still hits the
		// cached instance.
		b, err := o.verdict(det.Request.ArchitectureB, det.Face)
		if err != nil {
			return Evaluation{}, err
		}
		eval.B = &b
	}
	return eval, nil
}
