package training

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds every hyperparameter of a run. It is immutable once training
// starts; the one value that decays during training (the diversity-loss
// weight) lives on the Solver, seeded from LambdaDS.
type Config struct {
	// Data geometry
	ImgSize     int `yaml:"img_size"`
	NumChannels int `yaml:"num_channels"`
	NumDomains  int `yaml:"num_domains"`
	LatentDim   int `yaml:"latent_dim"`
	StyleDim    int `yaml:"style_dim"`
	HiddenDim   int `yaml:"hidden_dim"`

	// Loss weights
	LambdaSty float64 `yaml:"lambda_sty"`
	LambdaDS  float64 `yaml:"lambda_ds"`
	LambdaCyc float64 `yaml:"lambda_cyc"`
	LambdaReg float64 `yaml:"lambda_reg"`
	DSEpoch   int     `yaml:"ds_epoch"` // epochs over which lambda_ds decays to zero

	// Auxiliary heatmap network weight; zero disables the network entirely.
	WHpf float64 `yaml:"w_hpf"`

	// Optimization
	LR          float64 `yaml:"lr"`
	FLR         float64 `yaml:"f_lr"` // mapping network learning rate
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	WeightDecay float64 `yaml:"weight_decay"`
	BatchSize   int     `yaml:"batch_size"`
	NumEpochs   int     `yaml:"num_epochs"`
	ResumeEpoch int     `yaml:"resume_epoch"`

	// EMA shadow tracking
	EMA     bool    `yaml:"ema"`
	EMABeta float64 `yaml:"ema_beta"`

	// Periodic work, all in epochs
	LogEvery  int `yaml:"log_every"`
	SaveEvery int `yaml:"save_every"`
	EvalEvery int `yaml:"eval_every"`

	// Paths
	CheckpointDir string `yaml:"checkpoint_dir"`
	ResultDir     string `yaml:"result_dir"`

	Seed int64 `yaml:"seed"`
}

// DefaultConfig mirrors the published training recipe for the reference
// networks; real runs override via YAML or flags.
func DefaultConfig() *Config {
	return &Config{
		ImgSize:       16,
		NumChannels:   3,
		NumDomains:    2,
		LatentDim:     16,
		StyleDim:      64,
		HiddenDim:     256,
		LambdaSty:     1.0,
		LambdaDS:      1.0,
		LambdaCyc:     1.0,
		LambdaReg:     0.0,
		DSEpoch:       20,
		WHpf:          0.0,
		LR:            1e-4,
		FLR:           1e-6,
		Beta1:         0.0,
		Beta2:         0.99,
		WeightDecay:   1e-4,
		BatchSize:     8,
		NumEpochs:     100,
		EMA:           true,
		EMABeta:       0.999,
		LogEvery:      1,
		SaveEvery:     10,
		EvalEvery:     10,
		CheckpointDir: "expr/checkpoints",
		ResultDir:     "expr/results",
		Seed:          777,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	return cfg, nil
}

// ImgDim is the flattened image vector length the reference networks consume.
func (c *Config) ImgDim() int {
	return c.ImgSize * c.ImgSize * c.NumChannels
}

func (c *Config) Validate() error {
	if c.ImgSize <= 0 || c.NumChannels <= 0 {
		return fmt.Errorf("invalid image geometry: size %d, channels %d", c.ImgSize, c.NumChannels)
	}
	if c.NumDomains < 2 {
		return fmt.Errorf("need at least 2 domains, got %d", c.NumDomains)
	}
	if c.LatentDim <= 0 || c.StyleDim <= 0 || c.HiddenDim <= 0 {
		return fmt.Errorf("invalid network dims: latent %d, style %d, hidden %d", c.LatentDim, c.StyleDim, c.HiddenDim)
	}
	if c.LR <= 0 || c.FLR <= 0 {
		return fmt.Errorf("learning rates must be positive: lr %g, f_lr %g", c.LR, c.FLR)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.NumEpochs <= 0 {
		return fmt.Errorf("epoch count must be positive, got %d", c.NumEpochs)
	}
	if c.DSEpoch <= 0 {
		return fmt.Errorf("ds_epoch must be positive, got %d", c.DSEpoch)
	}
	if c.LambdaSty < 0 || c.LambdaDS < 0 || c.LambdaCyc < 0 || c.LambdaReg < 0 {
		return fmt.Errorf("loss weights must be non-negative")
	}
	if c.EMA && (c.EMABeta <= 0 || c.EMABeta >= 1) {
		return fmt.Errorf("ema_beta must be in (0, 1), got %g", c.EMABeta)
	}
	if c.LogEvery <= 0 || c.SaveEvery <= 0 || c.EvalEvery <= 0 {
		return fmt.Errorf("periodic intervals must be positive")
	}
	return nil
}
