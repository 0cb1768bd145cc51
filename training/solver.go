package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tsawler/go-stargan/checkpoints"
	"github.com/tsawler/go-stargan/tensor"
)

// Loaders bundles the data sources a run needs: source images, style
// reference images, and an optional held-out set for evaluation.
type Loaders struct {
	Src *DataLoader
	Ref *DataLoader
	Val *DataLoader
}

// Solver owns the full training state: the live ensemble, its EMA shadow,
// one Adam optimizer per trainable role, the loss scaler, and the
// checkpoint writers. The diversity-loss weight lives here because it
// decays per batch while the rest of the configuration stays fixed.
type Solver struct {
	cfg     *Config
	logger  *zap.Logger
	nets    *Ensemble
	netsEMA *ShadowEnsemble
	optims  map[Role]*Adam
	scaler  *GradScaler

	netsIO   *checkpoints.CheckpointIO
	emaIO    *checkpoints.CheckpointIO
	optimsIO *checkpoints.CheckpointIO

	tracker   Tracker
	evaluator Evaluator
	history   *LossHistory

	lambdaDS float64
	dsDecay  *LinearDecay
}

// NewSolver builds networks, optimizers and checkpoint writers from the
// configuration. A nil logger is replaced with a no-op one.
func NewSolver(cfg *Config, logger *zap.Logger) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	SetRandomSeed(cfg.Seed)

	nets, netsEMA, err := BuildNetworks(cfg)
	if err != nil {
		return nil, fmt.Errorf("building networks: %v", err)
	}

	trainable := nets.Trainable()
	optims := make(map[Role]*Adam, len(TrainableRoles))
	for _, role := range TrainableRoles {
		net := trainable[role]
		ApplyHeInit(net)

		lr := cfg.LR
		if role == RoleMappingNetwork {
			lr = cfg.FLR
		}
		optims[role] = NewAdam(net.Parameters(), lr, cfg.Beta1, cfg.Beta2, 1e-8, cfg.WeightDecay)

		logger.Info("initialized network",
			zap.String("role", string(role)),
			zap.Int("parameters", ParamCount(net)),
			zap.Float64("lr", lr))
	}

	// EMA shadows restart from the freshly initialized live weights.
	if err := CopyParams(nets.Generator, netsEMA.Generator); err != nil {
		return nil, fmt.Errorf("seeding EMA generator: %v", err)
	}
	if err := CopyParams(nets.MappingNetwork, netsEMA.MappingNetwork); err != nil {
		return nil, fmt.Errorf("seeding EMA mapping network: %v", err)
	}
	if err := CopyParams(nets.StyleEncoder, netsEMA.StyleEncoder); err != nil {
		return nil, fmt.Errorf("seeding EMA style encoder: %v", err)
	}

	if err := os.MkdirAll(cfg.CheckpointDir, 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %v", err)
	}

	netsIO, err := checkpoints.NewCheckpointIO(
		filepath.Join(cfg.CheckpointDir, "%06d_nets.ckpt"),
		checkpoints.FormatJSON,
		NetworkCollection(string(RoleGenerator), nets.Generator),
		NetworkCollection(string(RoleDiscriminator), nets.Discriminator),
		NetworkCollection(string(RoleMappingNetwork), nets.MappingNetwork),
		NetworkCollection(string(RoleStyleEncoder), nets.StyleEncoder),
	)
	if err != nil {
		return nil, fmt.Errorf("registering network checkpoints: %v", err)
	}

	emaIO, err := checkpoints.NewCheckpointIO(
		filepath.Join(cfg.CheckpointDir, "%06d_nets_ema.ckpt"),
		checkpoints.FormatJSON,
		NetworkCollection(string(RoleGenerator), netsEMA.Generator),
		NetworkCollection(string(RoleMappingNetwork), netsEMA.MappingNetwork),
		NetworkCollection(string(RoleStyleEncoder), netsEMA.StyleEncoder),
	)
	if err != nil {
		return nil, fmt.Errorf("registering EMA checkpoints: %v", err)
	}

	// Optimizer state dwarfs the parameters, so it goes to the binary
	// format.
	optimsIO, err := checkpoints.NewCheckpointIO(
		filepath.Join(cfg.CheckpointDir, "%06d_optims.ckpt"),
		checkpoints.FormatBinary,
		OptimizerCollection(string(RoleGenerator), optims[RoleGenerator]),
		OptimizerCollection(string(RoleDiscriminator), optims[RoleDiscriminator]),
		OptimizerCollection(string(RoleMappingNetwork), optims[RoleMappingNetwork]),
		OptimizerCollection(string(RoleStyleEncoder), optims[RoleStyleEncoder]),
	)
	if err != nil {
		return nil, fmt.Errorf("registering optimizer checkpoints: %v", err)
	}

	return &Solver{
		cfg:      cfg,
		logger:   logger,
		nets:     nets,
		netsEMA:  netsEMA,
		optims:   optims,
		scaler:   NewGradScaler(true),
		netsIO:   netsIO,
		emaIO:    emaIO,
		optimsIO: optimsIO,
		tracker:  NewFileTracker(filepath.Join(cfg.ResultDir, "runlog.jsonl")),
		history:  NewLossHistory(),
		lambdaDS: cfg.LambdaDS,
	}, nil
}

// SetTracker replaces the default file-backed tracker.
func (s *Solver) SetTracker(t Tracker) {
	if t != nil {
		s.tracker = t
	}
}

// Networks returns the live ensemble.
func (s *Solver) Networks() *Ensemble { return s.nets }

// ShadowNetworks returns the EMA ensemble.
func (s *Solver) ShadowNetworks() *ShadowEnsemble { return s.netsEMA }

// LambdaDS returns the current diversity-loss weight.
func (s *Solver) LambdaDS() float64 { return s.lambdaDS }

// Train runs the alternating adversarial loop for the configured number of
// epochs. Each batch runs one discriminator update on latent-styled fakes,
// then one generator-ensemble update, folds the live weights into the EMA
// shadows, and decays the diversity weight one step.
func (s *Solver) Train(loaders Loaders) error {
	if loaders.Src == nil || loaders.Ref == nil {
		return fmt.Errorf("training requires source and reference loaders")
	}

	itersPerEpoch := loaders.Src.Len()
	if itersPerEpoch == 0 {
		return fmt.Errorf("source loader is empty")
	}

	fetcher, err := NewInputFetcher(loaders.Src, loaders.Ref, s.cfg.LatentDim, TrainMode)
	if err != nil {
		return fmt.Errorf("building input fetcher: %v", err)
	}

	s.dsDecay = NewLinearDecay(s.cfg.LambdaDS, s.cfg.DSEpoch*itersPerEpoch)
	s.lambdaDS = s.cfg.LambdaDS

	startEpoch := 0
	if s.cfg.ResumeEpoch > 0 {
		if err := s.loadCheckpoints(s.cfg.ResumeEpoch); err != nil {
			return fmt.Errorf("resuming from epoch %d: %v", s.cfg.ResumeEpoch, err)
		}
		startEpoch = s.cfg.ResumeEpoch
		s.lambdaDS = s.dsDecay.ValueAfter(startEpoch * itersPerEpoch)
		s.logger.Info("resumed training",
			zap.Int("epoch", startEpoch),
			zap.Float64("lambda_ds", s.lambdaDS))
	}

	if err := s.tracker.Init(s.cfg); err != nil {
		return fmt.Errorf("initializing tracker: %v", err)
	}
	defer func() {
		if err := s.tracker.Finish(); err != nil {
			s.logger.Error("closing tracker failed", zap.Error(err))
		}
	}()

	if s.evaluator == nil && loaders.Val != nil {
		s.evaluator = NewSampleEvaluator(loaders.Val, 4)
	}

	for epoch := startEpoch + 1; epoch <= s.cfg.NumEpochs; epoch++ {
		s.setTraining()
		loaders.Src.Reset()
		loaders.Ref.Reset()

		sums := make(map[string]float64)
		for iter := 0; iter < itersPerEpoch; iter++ {
			stepLosses, err := s.trainStep(fetcher)
			if err != nil {
				return fmt.Errorf("epoch %d iter %d: %v", epoch, iter, err)
			}
			for k, v := range stepLosses {
				sums[k] += v
			}
		}

		means := make(map[string]float64, len(sums))
		for k, v := range sums {
			means[k] = v / float64(itersPerEpoch)
		}
		means["G/lambda_ds"] = s.lambdaDS
		means["scale"] = s.scaler.GetScale()

		if epoch%s.cfg.LogEvery == 0 {
			s.logEpoch(epoch, means)
			if err := s.tracker.Log(means, epoch); err != nil {
				s.logger.Error("tracker log failed", zap.Int("epoch", epoch), zap.Error(err))
			}
			s.history.Record(means, epoch)
		}

		if epoch%s.cfg.SaveEvery == 0 {
			if err := s.saveCheckpoints(epoch); err != nil {
				s.logger.Error("checkpoint save failed", zap.Int("epoch", epoch), zap.Error(err))
			} else {
				s.logger.Info("saved checkpoints", zap.Int("epoch", epoch))
			}
		}

		if s.evaluator != nil && epoch%s.cfg.EvalEvery == 0 {
			evalNets := s.inferenceEnsemble()
			for _, mode := range []EvalMode{EvalLatent, EvalReference} {
				if err := s.evaluator.CalculateMetrics(evalNets, s.cfg, epoch, mode); err != nil {
					s.logger.Error("evaluation failed",
						zap.Int("epoch", epoch),
						zap.Stringer("mode", mode),
						zap.Error(err))
				}
			}
		}
	}

	chartPath := filepath.Join(s.cfg.ResultDir, "loss_curves.png")
	if err := s.history.Render(chartPath); err != nil {
		s.logger.Warn("loss chart not rendered", zap.Error(err))
	}

	return nil
}

// trainStep runs one batch through the discriminator and generator phases:
// one update each.
func (s *Solver) trainStep(fetcher *InputFetcher) (map[string]float64, error) {
	inputs, err := fetcher.Next()
	if err != nil {
		return nil, fmt.Errorf("fetching inputs: %v", err)
	}

	var masks *tensor.Tensor
	if s.nets.Auxiliary != nil {
		masks, err = s.nets.Auxiliary.Heatmap(inputs.XSrc)
		if err != nil {
			return nil, fmt.Errorf("extracting heatmap: %v", err)
		}
	}

	losses := make(map[string]float64)

	// Discriminator phase, latent-styled fakes.
	dLoss, dBreak, err := ComputeDiscriminatorLoss(s.nets, s.cfg.LambdaReg,
		inputs.XSrc, inputs.YSrc, inputs.YRef, LatentStyle(inputs.ZTrg), masks)
	if err != nil {
		return nil, fmt.Errorf("discriminator loss: %v", err)
	}
	if err := s.optimize(dLoss, RoleDiscriminator); err != nil {
		return nil, fmt.Errorf("discriminator step: %v", err)
	}
	losses["D/latent_real"] = dBreak.Real
	losses["D/latent_fake"] = dBreak.Fake
	losses["D/latent_reg"] = dBreak.Reg

	weights := GLossWeights{
		LambdaSty: s.cfg.LambdaSty,
		LambdaDS:  s.lambdaDS,
		LambdaCyc: s.cfg.LambdaCyc,
	}

	// Generator phase: latent-synthesized styles, reference image as the
	// style-reconstruction target; updates generator, mapping network and
	// style encoder together.
	gLoss, gBreak, err := ComputeGeneratorLoss(s.nets, weights,
		inputs.XSrc, inputs.YSrc, inputs.YRef,
		inputs.ZTrg, inputs.ZTrg2, inputs.XRef, masks)
	if err != nil {
		return nil, fmt.Errorf("generator loss: %v", err)
	}
	if err := s.optimize(gLoss, RoleGenerator, RoleMappingNetwork, RoleStyleEncoder); err != nil {
		return nil, fmt.Errorf("generator step: %v", err)
	}
	losses["G/latent_adv"] = gBreak.Adv
	losses["G/latent_sty"] = gBreak.Sty
	losses["G/latent_ds"] = gBreak.DS
	losses["G/latent_cyc"] = gBreak.Cyc

	if s.cfg.EMA {
		if err := MovingAverage(s.nets.Generator, s.netsEMA.Generator, s.cfg.EMABeta); err != nil {
			return nil, fmt.Errorf("EMA generator update: %v", err)
		}
		if err := MovingAverage(s.nets.MappingNetwork, s.netsEMA.MappingNetwork, s.cfg.EMABeta); err != nil {
			return nil, fmt.Errorf("EMA mapping network update: %v", err)
		}
		if err := MovingAverage(s.nets.StyleEncoder, s.netsEMA.StyleEncoder, s.cfg.EMABeta); err != nil {
			return nil, fmt.Errorf("EMA style encoder update: %v", err)
		}
	}

	s.advanceLambdaDS()

	return losses, nil
}

// optimize backpropagates a scaled loss and steps the given roles as one
// phase. An overflow skips the whole phase and backs the scale off.
func (s *Solver) optimize(loss *tensor.Tensor, roles ...Role) error {
	s.resetGrad()

	scaled := s.scaler.Scale(loss)
	if err := tensor.Backward(scaled); err != nil {
		return fmt.Errorf("backward pass failed: %v", err)
	}

	opts := make([]Optimizer, len(roles))
	for i, role := range roles {
		opts[i] = s.optims[role]
	}
	stepped, err := s.scaler.StepAll(opts...)
	if err != nil {
		return err
	}
	if !stepped {
		s.logger.Warn("skipped step on gradient overflow",
			zap.Float64("scale", s.scaler.GetScale()))
	}
	s.scaler.Update()

	return nil
}

// resetGrad clears gradients across every trainable role. Clearing all of
// them before each phase keeps a phase from consuming another phase's
// leftovers.
func (s *Solver) resetGrad() {
	for _, role := range TrainableRoles {
		s.optims[role].ZeroGrad()
	}
}

// advanceLambdaDS decays the diversity weight one batch worth, clamped at
// exactly zero.
func (s *Solver) advanceLambdaDS() {
	if s.dsDecay == nil {
		return
	}
	s.lambdaDS -= s.dsDecay.StepSize()
	if s.lambdaDS < 0 {
		s.lambdaDS = 0
	}
}

func (s *Solver) setTraining() {
	s.nets.Generator.Train()
	s.nets.Discriminator.Train()
	s.nets.MappingNetwork.Train()
	s.nets.StyleEncoder.Train()
}

// inferenceEnsemble pairs the EMA shadows with the live discriminator and
// the frozen auxiliary for evaluation and sampling.
func (s *Solver) inferenceEnsemble() *Ensemble {
	return &Ensemble{
		Generator:      s.netsEMA.Generator,
		Discriminator:  s.nets.Discriminator,
		MappingNetwork: s.netsEMA.MappingNetwork,
		StyleEncoder:   s.netsEMA.StyleEncoder,
		Auxiliary:      s.nets.Auxiliary,
	}
}

func (s *Solver) saveCheckpoints(epoch int) error {
	if err := s.netsIO.Save(epoch); err != nil {
		return err
	}
	if err := s.emaIO.Save(epoch); err != nil {
		return err
	}
	return s.optimsIO.Save(epoch)
}

func (s *Solver) loadCheckpoints(epoch int) error {
	if err := s.netsIO.Load(epoch); err != nil {
		return err
	}
	if err := s.emaIO.Load(epoch); err != nil {
		return err
	}
	return s.optimsIO.Load(epoch)
}

func (s *Solver) logEpoch(epoch int, means map[string]float64) {
	s.logger.Info("epoch complete",
		zap.Int("epoch", epoch),
		zap.Float64("d_latent_real", means["D/latent_real"]),
		zap.Float64("d_latent_fake", means["D/latent_fake"]),
		zap.Float64("g_latent_adv", means["G/latent_adv"]),
		zap.Float64("g_latent_sty", means["G/latent_sty"]),
		zap.Float64("g_latent_ds", means["G/latent_ds"]),
		zap.Float64("g_latent_cyc", means["G/latent_cyc"]),
		zap.Float64("lambda_ds", s.lambdaDS),
		zap.Float64("scale", s.scaler.GetScale()))
}

// Sample loads the EMA networks from the resume epoch and writes
// reference-guided translations of one source batch to the result
// directory.
func (s *Solver) Sample(loaders Loaders) error {
	if loaders.Src == nil || loaders.Ref == nil {
		return fmt.Errorf("sampling requires source and reference loaders")
	}
	if s.cfg.ResumeEpoch <= 0 {
		return fmt.Errorf("sampling requires resume_epoch to point at a checkpoint")
	}
	if err := s.emaIO.Load(s.cfg.ResumeEpoch); err != nil {
		return fmt.Errorf("loading EMA checkpoint: %v", err)
	}

	nets := s.inferenceEnsemble()

	loaders.Src.Reset()
	loaders.Ref.Reset()
	srcBatch, err := loaders.Src.Next()
	if err != nil || srcBatch == nil {
		return fmt.Errorf("fetching source batch: %v", err)
	}
	refBatch, err := loaders.Ref.Next()
	if err != nil || refBatch == nil {
		return fmt.Errorf("fetching reference batch: %v", err)
	}

	var translated *tensor.Tensor
	tensor.NoGrad(func() {
		var masks, style *tensor.Tensor
		if nets.Auxiliary != nil {
			masks, err = nets.Auxiliary.Heatmap(srcBatch.Data)
			if err != nil {
				return
			}
		}
		style, err = nets.StyleEncoder.EncodeStyle(refBatch.Data, refBatch.Labels)
		if err != nil {
			return
		}
		translated, err = nets.Generator.Generate(srcBatch.Data, style, masks)
	})
	if err != nil {
		return fmt.Errorf("sampling translation failed: %v", err)
	}

	data, err := translated.GetFloat32Data()
	if err != nil {
		return fmt.Errorf("reading translated batch: %v", err)
	}
	labels, err := refBatch.Labels.GetInt32Data()
	if err != nil {
		return fmt.Errorf("reading reference labels: %v", err)
	}

	if err := os.MkdirAll(s.cfg.ResultDir, 0755); err != nil {
		return fmt.Errorf("creating result directory: %v", err)
	}
	out := map[string]interface{}{
		"epoch":   s.cfg.ResumeEpoch,
		"shape":   translated.Shape,
		"domains": labels,
		"pixels":  data,
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding sample output: %v", err)
	}
	path := filepath.Join(s.cfg.ResultDir, fmt.Sprintf("%06d_sample.json", s.cfg.ResumeEpoch))
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("writing sample output: %v", err)
	}

	s.logger.Info("wrote samples", zap.String("path", path))
	return nil
}

// Evaluate loads the EMA networks from the resume epoch and scores them in
// both style modes.
func (s *Solver) Evaluate(loaders Loaders) error {
	if loaders.Val == nil {
		return fmt.Errorf("evaluation requires a held-out loader")
	}
	if s.cfg.ResumeEpoch <= 0 {
		return fmt.Errorf("evaluation requires resume_epoch to point at a checkpoint")
	}
	if err := s.emaIO.Load(s.cfg.ResumeEpoch); err != nil {
		return fmt.Errorf("loading EMA checkpoint: %v", err)
	}

	if s.evaluator == nil {
		s.evaluator = NewSampleEvaluator(loaders.Val, 4)
	}

	nets := s.inferenceEnsemble()
	for _, mode := range []EvalMode{EvalLatent, EvalReference} {
		if err := s.evaluator.CalculateMetrics(nets, s.cfg, s.cfg.ResumeEpoch, mode); err != nil {
			return fmt.Errorf("evaluating %s mode: %v", mode, err)
		}
	}
	return nil
}
