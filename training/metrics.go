package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/montanaflynn/stats"
	"github.com/tsawler/go-stargan/tensor"
)

// EvalMode selects where evaluation styles come from.
type EvalMode int

const (
	EvalLatent EvalMode = iota
	EvalReference
)

func (m EvalMode) String() string {
	switch m {
	case EvalLatent:
		return "latent"
	case EvalReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Evaluator scores translation quality at a training step and persists the
// result. Implementations run the networks in inference mode only.
type Evaluator interface {
	CalculateMetrics(nets *Ensemble, cfg *Config, step int, mode EvalMode) error
}

// SampleEvaluator translates held-out batches into every target domain and
// reports two proxy scores per run: diversity (mean L1 distance between two
// independently styled outputs; higher means the style space is alive) and
// reconstruction error (L1 distance after a same-domain round trip; lower
// means content survives translation). Scores are written as JSON under the
// result directory.
type SampleEvaluator struct {
	val        *DataLoader
	numBatches int
}

// NewSampleEvaluator evaluates over numBatches batches from the held-out
// loader.
func NewSampleEvaluator(val *DataLoader, numBatches int) *SampleEvaluator {
	if numBatches <= 0 {
		numBatches = 4
	}
	return &SampleEvaluator{val: val, numBatches: numBatches}
}

type evalScores struct {
	Step          int     `json:"step"`
	Mode          string  `json:"mode"`
	DiversityMean float64 `json:"diversity_mean"`
	DiversityStd  float64 `json:"diversity_std"`
	ReconMean     float64 `json:"recon_mean"`
	ReconStd      float64 `json:"recon_std"`
	BatchesScored int     `json:"batches_scored"`
	DomainsScored int     `json:"domains_scored"`
}

func (se *SampleEvaluator) CalculateMetrics(nets *Ensemble, cfg *Config, step int, mode EvalMode) error {
	var diversity, recon []float64
	var evalErr error

	tensor.NoGrad(func() {
		se.val.Reset()
		for b := 0; b < se.numBatches; b++ {
			batch, err := se.val.Next()
			if err != nil {
				evalErr = fmt.Errorf("fetching evaluation batch: %v", err)
				return
			}
			if batch == nil {
				break
			}

			xSrc := batch.Data
			ySrc := batch.Labels
			batchSize := xSrc.Shape[0]

			var masks *tensor.Tensor
			if nets.Auxiliary != nil {
				masks, err = nets.Auxiliary.Heatmap(xSrc)
				if err != nil {
					evalErr = fmt.Errorf("extracting evaluation heatmap: %v", err)
					return
				}
			}

			for domain := 0; domain < cfg.NumDomains; domain++ {
				yTrg, err := constantLabels(batchSize, int32(domain))
				if err != nil {
					evalErr = err
					return
				}

				s1, s2, err := se.stylePair(nets, xSrc, yTrg, cfg.LatentDim, mode)
				if err != nil {
					evalErr = err
					return
				}

				x1, err := nets.Generator.Generate(xSrc, s1, masks)
				if err != nil {
					evalErr = fmt.Errorf("evaluation translation failed: %v", err)
					return
				}
				x2, err := nets.Generator.Generate(xSrc, s2, masks)
				if err != nil {
					evalErr = fmt.Errorf("evaluation translation failed: %v", err)
					return
				}

				d, err := MeanAbsDiff(x1, x2).Item()
				if err != nil {
					evalErr = fmt.Errorf("reading diversity score: %v", err)
					return
				}
				diversity = append(diversity, d)
			}

			// Same-domain round trip.
			sOrg, err := nets.StyleEncoder.EncodeStyle(xSrc, ySrc)
			if err != nil {
				evalErr = fmt.Errorf("encoding evaluation style: %v", err)
				return
			}
			xRec, err := nets.Generator.Generate(xSrc, sOrg, masks)
			if err != nil {
				evalErr = fmt.Errorf("evaluation reconstruction failed: %v", err)
				return
			}
			r, err := MeanAbsDiff(xRec, xSrc).Item()
			if err != nil {
				evalErr = fmt.Errorf("reading reconstruction score: %v", err)
				return
			}
			recon = append(recon, r)
		}
	})
	if evalErr != nil {
		return evalErr
	}
	if len(diversity) == 0 {
		return fmt.Errorf("evaluation produced no scores")
	}

	scores := evalScores{
		Step:          step,
		Mode:          mode.String(),
		BatchesScored: len(recon),
		DomainsScored: cfg.NumDomains,
	}
	scores.DiversityMean, _ = stats.Mean(diversity)
	scores.DiversityStd, _ = stats.StandardDeviation(diversity)
	scores.ReconMean, _ = stats.Mean(recon)
	scores.ReconStd, _ = stats.StandardDeviation(recon)

	if err := os.MkdirAll(cfg.ResultDir, 0755); err != nil {
		return fmt.Errorf("creating result directory: %v", err)
	}
	path := filepath.Join(cfg.ResultDir, fmt.Sprintf("%06d_scores_%s.json", step, mode))
	data, err := json.MarshalIndent(scores, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding scores: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing scores: %v", err)
	}

	return nil
}

// stylePair produces two independent style codes for the same targets.
func (se *SampleEvaluator) stylePair(nets *Ensemble, xSrc, yTrg *tensor.Tensor, latentDim int, mode EvalMode) (*tensor.Tensor, *tensor.Tensor, error) {
	batchSize := xSrc.Shape[0]

	if mode == EvalLatent {
		z1, err := tensor.RandomNormal([]int{batchSize, latentDim}, 0, 1, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, nil, fmt.Errorf("drawing evaluation latent: %v", err)
		}
		z2, err := tensor.RandomNormal([]int{batchSize, latentDim}, 0, 1, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, nil, fmt.Errorf("drawing evaluation latent: %v", err)
		}
		s1, err := nets.MappingNetwork.MapLatent(z1, yTrg)
		if err != nil {
			return nil, nil, fmt.Errorf("mapping evaluation latent: %v", err)
		}
		s2, err := nets.MappingNetwork.MapLatent(z2, yTrg)
		if err != nil {
			return nil, nil, fmt.Errorf("mapping evaluation latent: %v", err)
		}
		return s1, s2, nil
	}

	// Reference mode: two fresh draws from the held-out loader act as
	// style carriers.
	ref1, err := se.val.Next()
	if err != nil || ref1 == nil {
		se.val.Reset()
		ref1, err = se.val.Next()
		if err != nil || ref1 == nil {
			return nil, nil, fmt.Errorf("fetching reference carrier: %v", err)
		}
	}
	ref2, err := se.val.Next()
	if err != nil || ref2 == nil {
		se.val.Reset()
		ref2, err = se.val.Next()
		if err != nil || ref2 == nil {
			return nil, nil, fmt.Errorf("fetching reference carrier: %v", err)
		}
	}

	s1, err := nets.StyleEncoder.EncodeStyle(ref1.Data, yTrg)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding reference carrier: %v", err)
	}
	s2, err := nets.StyleEncoder.EncodeStyle(ref2.Data, yTrg)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding reference carrier: %v", err)
	}
	return s1, s2, nil
}

// constantLabels builds an Int32 label tensor filled with one domain index.
func constantLabels(batchSize int, domain int32) (*tensor.Tensor, error) {
	labels := make([]int32, batchSize)
	for i := range labels {
		labels[i] = domain
	}
	t, err := tensor.NewTensor([]int{batchSize}, tensor.Int32, tensor.CPU, labels)
	if err != nil {
		return nil, fmt.Errorf("building label tensor: %v", err)
	}
	return t, nil
}
