package training

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solverConfig(t *testing.T) *Config {
	t.Helper()
	cfg := tinyConfig()
	cfg.SaveEvery = 1
	cfg.EvalEvery = 5
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "checkpoints")
	cfg.ResultDir = filepath.Join(t.TempDir(), "results")
	return cfg
}

func solverLoaders(cfg *Config) Loaders {
	imgDim := cfg.ImgDim()
	return Loaders{
		Src: NewDataLoader(NewRandomImageDataset(4, imgDim, cfg.NumDomains), cfg.BatchSize, true, true),
		Ref: NewDataLoader(NewRandomImageDataset(4, imgDim, cfg.NumDomains), cfg.BatchSize, true, true),
		Val: NewDataLoader(NewRandomImageDataset(4, imgDim, cfg.NumDomains), cfg.BatchSize, false, true),
	}
}

func TestSolverTrainSmoke(t *testing.T) {
	cfg := solverConfig(t)
	solver, err := NewSolver(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, solver.Train(solverLoaders(cfg)))

	// One epoch over a 4-sample set with batch 2 and a 1-epoch decay
	// horizon drives lambda_ds to zero.
	assert.Equal(t, 0.0, solver.LambdaDS())

	for _, name := range []string{"000001_nets.ckpt", "000001_nets_ema.ckpt", "000001_optims.ckpt"} {
		_, err := os.Stat(filepath.Join(cfg.CheckpointDir, name))
		assert.NoError(t, err, "expected checkpoint %s", name)
	}

	_, err = os.Stat(filepath.Join(cfg.ResultDir, "runlog.jsonl"))
	assert.NoError(t, err, "expected a run log")
}

func TestSolverCheckpointRoundTrip(t *testing.T) {
	cfg := solverConfig(t)
	solver, err := NewSolver(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, solver.Train(solverLoaders(cfg)))

	genParams := solver.nets.Generator.Parameters()
	original, err := genParams[0].GetFloat32Data()
	require.NoError(t, err)
	saved := append([]float32{}, original...)

	// Corrupt the live weights, then restore from the epoch-1 snapshot.
	for i := range original {
		original[i] = -1000
	}
	require.NoError(t, solver.loadCheckpoints(1))

	restored, err := genParams[0].GetFloat32Data()
	require.NoError(t, err)
	assert.Equal(t, saved, restored)
}

func TestSolverResumeRestoresDecay(t *testing.T) {
	cfg := solverConfig(t)
	cfg.NumEpochs = 2
	cfg.DSEpoch = 2
	solver, err := NewSolver(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, solver.Train(solverLoaders(cfg)))

	// Resume halfway: lambda_ds fast-forwards to the value it had at the
	// end of epoch 1.
	cfg2 := solverConfig(t)
	cfg2.NumEpochs = 2
	cfg2.DSEpoch = 2
	cfg2.CheckpointDir = cfg.CheckpointDir
	cfg2.ResumeEpoch = 1
	resumed, err := NewSolver(cfg2, nil)
	require.NoError(t, err)
	require.NoError(t, resumed.Train(solverLoaders(cfg2)))

	assert.Equal(t, 0.0, resumed.LambdaDS())
}

func TestSolverTrainStepSchedule(t *testing.T) {
	cfg := solverConfig(t)
	solver, err := NewSolver(cfg, nil)
	require.NoError(t, err)

	loaders := solverLoaders(cfg)
	fetcher, err := NewInputFetcher(loaders.Src, loaders.Ref, cfg.LatentDim, TrainMode)
	require.NoError(t, err)
	solver.dsDecay = NewLinearDecay(cfg.LambdaDS, 4)

	losses, err := solver.trainStep(fetcher)
	require.NoError(t, err)

	// One discriminator update and one generator-ensemble update per batch.
	for _, role := range TrainableRoles {
		assert.Equal(t, int64(1), solver.optims[role].StepCount(), "role %s stepped a wrong number of times", role)
	}

	wantKeys := []string{
		"D/latent_real", "D/latent_fake", "D/latent_reg",
		"G/latent_adv", "G/latent_sty", "G/latent_ds", "G/latent_cyc",
	}
	assert.Len(t, losses, len(wantKeys))
	for _, key := range wantKeys {
		_, ok := losses[key]
		assert.True(t, ok, "missing loss key %s", key)
	}
}

func TestSolverEMAShadowDriftsFromLive(t *testing.T) {
	cfg := solverConfig(t)
	solver, err := NewSolver(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, solver.Train(solverLoaders(cfg)))

	// After training, live weights have moved while the shadow trails at
	// beta=0.999, so they differ but not wildly.
	live, err := solver.nets.Generator.Parameters()[0].GetFloat32Data()
	require.NoError(t, err)
	shadow, err := solver.netsEMA.Generator.Parameters()[0].GetFloat32Data()
	require.NoError(t, err)

	different := false
	for i := range live {
		if live[i] != shadow[i] {
			different = true
			break
		}
	}
	assert.True(t, different, "live and shadow weights should diverge during training")
}

func TestSolverSampleAndEvaluate(t *testing.T) {
	cfg := solverConfig(t)
	solver, err := NewSolver(cfg, nil)
	require.NoError(t, err)

	loaders := solverLoaders(cfg)
	require.NoError(t, solver.Train(loaders))

	cfg.ResumeEpoch = 1
	require.NoError(t, solver.Sample(loaders))
	_, err = os.Stat(filepath.Join(cfg.ResultDir, "000001_sample.json"))
	assert.NoError(t, err)

	require.NoError(t, solver.Evaluate(loaders))
	_, err = os.Stat(filepath.Join(cfg.ResultDir, "000001_scores_latent.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.ResultDir, "000001_scores_reference.json"))
	assert.NoError(t, err)
}

func TestSolverRejectsInvalidConfig(t *testing.T) {
	cfg := solverConfig(t)
	cfg.NumDomains = 1

	_, err := NewSolver(cfg, nil)
	assert.Error(t, err)
}

func TestSolverTrainRequiresLoaders(t *testing.T) {
	cfg := solverConfig(t)
	solver, err := NewSolver(cfg, nil)
	require.NoError(t, err)

	assert.Error(t, solver.Train(Loaders{}))
}

func TestSolverSampleRequiresCheckpoint(t *testing.T) {
	cfg := solverConfig(t)
	solver, err := NewSolver(cfg, nil)
	require.NoError(t, err)

	assert.Error(t, solver.Sample(solverLoaders(cfg)))
}
