package training

import (
	"fmt"

	"github.com/tsawler/go-stargan/tensor"
)

// FetchMode selects how much of an input bundle the fetcher assembles.
type FetchMode int

const (
	TrainMode FetchMode = iota
	ValMode
	TestMode
)

func (m FetchMode) String() string {
	switch m {
	case TrainMode:
		return "train"
	case ValMode:
		return "val"
	case TestMode:
		return "test"
	default:
		return "unknown"
	}
}

// Inputs is one fully assembled training step's worth of data: a source
// batch, a reference pair sharing target labels, and fresh latent draws.
// Validation and test bundles carry a single reference and a single latent.
type Inputs struct {
	XSrc  *tensor.Tensor // source images, [batch, img_dim]
	YSrc  *tensor.Tensor // source domain labels, [batch]
	XRef  *tensor.Tensor // reference images, [batch, img_dim]
	XRef2 *tensor.Tensor // second reference batch, train mode only
	YRef  *tensor.Tensor // reference domain labels, [batch]
	ZTrg  *tensor.Tensor // latent draw, [batch, latent_dim]
	ZTrg2 *tensor.Tensor // second latent draw, train mode only
}

// InputFetcher draws batches from the source and reference loaders and
// pairs them with latent vectors. Loaders cycle: when one runs out it is
// reshuffled and restarted, so training steps never see an exhausted
// loader.
type InputFetcher struct {
	src       *DataLoader
	ref       *DataLoader
	mode      FetchMode
	latentDim int
}

// NewInputFetcher wires loaders to a fetch mode. The reference loader may
// be nil in test mode.
func NewInputFetcher(src, ref *DataLoader, latentDim int, mode FetchMode) (*InputFetcher, error) {
	if src == nil {
		return nil, fmt.Errorf("source loader is required")
	}
	if ref == nil && mode != TestMode {
		return nil, fmt.Errorf("%s mode requires a reference loader", mode)
	}
	if latentDim <= 0 {
		return nil, fmt.Errorf("latent dim must be positive, got %d", latentDim)
	}

	return &InputFetcher{
		src:       src,
		ref:       ref,
		mode:      mode,
		latentDim: latentDim,
	}, nil
}

// Next assembles the next input bundle.
func (f *InputFetcher) Next() (*Inputs, error) {
	srcBatch, err := f.nextCyclic(f.src)
	if err != nil {
		return nil, fmt.Errorf("fetching source batch: %v", err)
	}

	batchSize := srcBatch.Data.Shape[0]
	inputs := &Inputs{
		XSrc: srcBatch.Data,
		YSrc: srcBatch.Labels,
	}

	inputs.ZTrg, err = tensor.RandomNormal([]int{batchSize, f.latentDim}, 0, 1, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("drawing latent vector: %v", err)
	}

	if f.mode == TestMode {
		return inputs, nil
	}

	refBatch, err := f.nextCyclic(f.ref)
	if err != nil {
		return nil, fmt.Errorf("fetching reference batch: %v", err)
	}
	inputs.XRef = refBatch.Data
	inputs.YRef = refBatch.Labels

	if f.mode == TrainMode {
		// The second reference batch reuses the first batch's labels; the
		// diversity term only needs two style carriers for the same target
		// domains.
		refBatch2, err := f.nextCyclic(f.ref)
		if err != nil {
			return nil, fmt.Errorf("fetching second reference batch: %v", err)
		}
		inputs.XRef2 = refBatch2.Data

		inputs.ZTrg2, err = tensor.RandomNormal([]int{batchSize, f.latentDim}, 0, 1, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("drawing second latent vector: %v", err)
		}
	}

	return inputs, nil
}

// nextCyclic draws a batch, restarting the loader when its epoch is done.
func (f *InputFetcher) nextCyclic(dl *DataLoader) (*Batch, error) {
	batch, err := dl.Next()
	if err != nil {
		return nil, err
	}
	if batch == nil {
		dl.Reset()
		batch, err = dl.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, fmt.Errorf("loader produced no batches")
		}
	}
	return batch, nil
}
