package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-stargan/training"
)

var (
	configPath    string
	checkpointDir string
	resultDir     string
	resumeEpoch   int
	numEpochs     int
	batchSize     int
	datasetSize   int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stargan",
		Short: "Multi-domain image-to-image translation training",
		Long: `stargan trains a multi-domain style-transfer GAN: a generator,
discriminator, mapping network and style encoder optimized adversarially,
with EMA shadow networks tracked for inference.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults used when empty)")
	rootCmd.PersistentFlags().StringVar(&checkpointDir, "checkpoint-dir", "", "override checkpoint directory")
	rootCmd.PersistentFlags().StringVar(&resultDir, "result-dir", "", "override result directory")
	rootCmd.PersistentFlags().IntVar(&resumeEpoch, "resume-epoch", -1, "checkpoint epoch to resume or evaluate from")
	rootCmd.PersistentFlags().IntVar(&numEpochs, "epochs", 0, "override number of training epochs")
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", 0, "override batch size")
	rootCmd.PersistentFlags().IntVar(&datasetSize, "dataset-size", 256, "synthetic dataset size")

	rootCmd.AddCommand(newTrainCmd(), newSampleCmd(), newEvalCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Run the adversarial training loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			solver, loaders, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return solver.Train(loaders)
		},
	}
}

func newSampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Translate a batch using a saved EMA checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			solver, loaders, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return solver.Sample(loaders)
		},
	}
}

func newEvalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eval",
		Short: "Score a saved EMA checkpoint on held-out data",
		RunE: func(cmd *cobra.Command, args []string) error {
			solver, loaders, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return solver.Evaluate(loaders)
		},
	}
}

// setup assembles the config, logger, solver and loaders shared by every
// subcommand. The loaders are synthetic; a real corpus plugs in through the
// training.Dataset interface.
func setup() (*training.Solver, training.Loaders, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, training.Loaders{}, nil, err
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, training.Loaders{}, nil, fmt.Errorf("building logger: %v", err)
	}

	solver, err := training.NewSolver(cfg, logger)
	if err != nil {
		return nil, training.Loaders{}, nil, err
	}

	imgDim := cfg.ImgDim()
	src := training.NewRandomImageDataset(datasetSize, imgDim, cfg.NumDomains)
	ref := training.NewRandomImageDataset(datasetSize, imgDim, cfg.NumDomains)
	val := training.NewRandomImageDataset(datasetSize/4, imgDim, cfg.NumDomains)

	loaders := training.Loaders{
		Src: training.NewDataLoader(src, cfg.BatchSize, true, true),
		Ref: training.NewDataLoader(ref, cfg.BatchSize, true, true),
		Val: training.NewDataLoader(val, cfg.BatchSize, false, true),
	}

	return solver, loaders, logger, nil
}

func loadConfig() (*training.Config, error) {
	cfg := training.DefaultConfig()
	if configPath != "" {
		loaded, err := training.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if checkpointDir != "" {
		cfg.CheckpointDir = checkpointDir
	}
	if resultDir != "" {
		cfg.ResultDir = resultDir
	}
	if resumeEpoch >= 0 {
		cfg.ResumeEpoch = resumeEpoch
	}
	if numEpochs > 0 {
		cfg.NumEpochs = numEpochs
	}
	if batchSize > 0 {
		cfg.BatchSize = batchSize
	}

	return cfg, nil
}
