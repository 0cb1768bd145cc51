package training

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-stargan/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                           // Total number of samples
	Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) // Returns a single sample
}

// DataLoader provides batching and shuffling over a Dataset. With dropLast
// set, a trailing partial batch is discarded so every batch has the same
// size; adversarial pairing assumes equal batch sizes across loaders.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	dropLast  bool
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, batchSize int, shuffle, dropLast bool) *DataLoader {
	datasetLen := dataset.Len()
	indices := make([]int, datasetLen)
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		dropLast:  dropLast,
		indices:   indices,
		position:  0,
	}
}

// Batch represents a batch of data and labels
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	if dl.dropLast {
		return dl.dataset.Len() / dl.batchSize
	}
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		// Shuffle indices for new epoch
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := globalRng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		if dl.dropLast {
			return nil, nil
		}
		batchEnd = len(dl.indices)
	}

	actualBatchSize := batchEnd - dl.position
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices, actualBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}

	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	if dl.dropLast {
		return dl.position+dl.batchSize <= len(dl.indices)
	}
	return dl.position < len(dl.indices)
}

// loadBatch loads a batch of samples and combines them into batched tensors
func (dl *DataLoader) loadBatch(indices []int, batchSize int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	// Load first sample to determine shapes and types
	firstData, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %v", indices[0], err)
	}

	dataShape := append([]int{batchSize}, firstData.Shape...)

	batchData, err := tensor.Zeros(dataShape, firstData.DType, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %v", err)
	}

	// Labels flatten to one entry per sample.
	batchLabels, err := tensor.Zeros([]int{batchSize}, firstLabel.DType, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch labels tensor: %v", err)
	}

	for i, idx := range indices {
		data, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}

		if err := dl.copyInto(batchData, data, i); err != nil {
			return nil, fmt.Errorf("failed to copy data for sample %d: %v", i, err)
		}
		if err := dl.copyInto(batchLabels, label, i); err != nil {
			return nil, fmt.Errorf("failed to copy label for sample %d: %v", i, err)
		}
	}

	return &Batch{
		Data:   batchData,
		Labels: batchLabels,
	}, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func (dl *DataLoader) copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if batchTensor.DType != sampleTensor.DType {
		return fmt.Errorf("dtype mismatch: batch %s, sample %s", batchTensor.DType, sampleTensor.DType)
	}

	sampleSize := sampleTensor.NumElems
	offset := batchIndex * sampleSize

	switch batchTensor.DType {
	case tensor.Float32:
		batchData := batchTensor.Data.([]float32)
		sampleData := sampleTensor.Data.([]float32)
		copy(batchData[offset:offset+sampleSize], sampleData)

	case tensor.Int32:
		batchData := batchTensor.Data.([]int32)
		sampleData := sampleTensor.Data.([]int32)
		copy(batchData[offset:offset+sampleSize], sampleData)

	default:
		return fmt.Errorf("unsupported dtype for batch copying: %s", batchTensor.DType)
	}

	return nil
}

// SimpleDataset provides a basic in-memory implementation of Dataset
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(data, labels []*tensor.Tensor) (*SimpleDataset, error) {
	if len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}

	return &SimpleDataset{
		data:   data,
		labels: labels,
	}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}

	return ds.data[idx], ds.labels[idx], nil
}

// RandomImageDataset generates random flattened images with domain labels.
// Useful for smoke runs without a real image corpus.
type RandomImageDataset struct {
	size       int
	imgDim     int
	numDomains int
}

// NewRandomImageDataset creates a new RandomImageDataset
func NewRandomImageDataset(size, imgDim, numDomains int) *RandomImageDataset {
	return &RandomImageDataset{
		size:       size,
		imgDim:     imgDim,
		numDomains: numDomains,
	}
}

// Len returns the size of the dataset
func (rd *RandomImageDataset) Len() int {
	return rd.size
}

// Get generates a random sample: pixel values in [-1, 1] and a random
// domain label.
func (rd *RandomImageDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= rd.size {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, rd.size)
	}

	pixels := make([]float32, rd.imgDim)
	for i := range pixels {
		pixels[i] = globalRng.Float32()*2.0 - 1.0
	}
	data, err = tensor.NewTensor([]int{rd.imgDim}, tensor.Float32, tensor.CPU, pixels)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create data tensor: %v", err)
	}

	domain := []int32{int32(globalRng.Intn(rd.numDomains))}
	label, err = tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, domain)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create label tensor: %v", err)
	}

	return data, label, nil
}
