// Package models assembles the nn layers into trainable GoMLX models.
//
// ArcScorer is a biaffine dependency-arc scorer: it embeds word and tag ids, projects them with two
// MLPs (one for the token as a dependent, one for the token as a head) and scores every
// (dependent, head) pair with a Biaffine layer.
package models

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/teras/internal/nn"
	"github.com/janpfeifer/teras/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// backend is a singleton, shared by all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })
)

// Hyperparameters keys of ArcScorer, besides nn.ParamSeed and the training ones: optimizers.ParamOptimizer,
// optimizers.ParamLearningRate, optimizers.ParamAdamEpsilon, optimizers.ParamAdamDType,
// cosineschedule.ParamPeriodSteps (0 disables the schedule), regularizers.ParamL2 and regularizers.ParamL1.
const (
	ParamBatchSize     = "batch_size"
	ParamWordVocab     = "word_vocab"
	ParamWordDim       = "word_dim"
	ParamTagVocab      = "tag_vocab"
	ParamTagDim        = "tag_dim"
	ParamEmbedDropout  = "embed_dropout"
	ParamMLPDim        = "mlp_dim"
	ParamMLPLayers     = "mlp_layers"
	ParamMLPActivation = "mlp_activation"
	ParamMLPDropout    = "mlp_dropout"

	// ParamCheckpoint is the directory where the model is loaded from and saved to.
	// It is not a context hyperparameter.
	ParamCheckpoint = "checkpoint"
)

// PaddingID is the word and tag id reserved for padding: real tokens must use ids >= 1.
const PaddingID = 0

// ArcScorer scores dependency arcs: for each sentence, the score of every token (as a dependent)
// attaching to every token (as a head).
type ArcScorer struct {
	ctx *context.Context

	embed           *nn.Embed
	depMLP, headMLP *nn.MLP
	biaffine        *nn.Biaffine
	wordVocab       int
	tagVocab        int
	batchSize       int
	checkpointDir   string
	checkpoint      *checkpoints.Handler
	optimizer       optimizers.Interface
	scoreExec       *context.Exec
	lossExec        *context.Exec
	trainStepExec   *context.Exec

	// regularized are the weights (not biases nor embeddings) subject to L1/L2 regularization.
	regularized []*context.Variable

	muNumCompilations sync.Mutex
	numCompilations   int

	// muLearning "write" for training, and "read" for scoring.
	muLearning sync.RWMutex

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// newContext creates a context with the default hyperparameters.
func newContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamBatchSize:     32,
		ParamWordVocab:     1000,
		ParamWordDim:       32,
		ParamTagVocab:      50,
		ParamTagDim:        16,
		ParamEmbedDropout:  0.0,
		ParamMLPDim:        64,
		ParamMLPLayers:     1,
		ParamMLPActivation: "relu",
		ParamMLPDropout:    0.0,
		nn.ParamSeed:       nn.DefaultSeed,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    0.001,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		cosineschedule.ParamPeriodSteps: 0,
		regularizers.ParamL2:            1e-5,
		regularizers.ParamL1:            0.0,
	})
	return ctx.Checked(false)
}

// New creates an ArcScorer configured by params, which overwrite the default hyperparameters.
// If params has a "checkpoint" directory, the model is loaded from it if it exists, and saved there by Save.
//
// Unknown params are reported as an error.
func New(params parameters.Params) (*ArcScorer, error) {
	s := &ArcScorer{ctx: newContext()}
	var err error
	s.checkpointDir, err = parameters.PopParamOr(params, ParamCheckpoint, "")
	if err != nil {
		return nil, err
	}
	if s.checkpointDir != "" {
		s.checkpoint, err = checkpoints.Build(s.ctx).Dir(s.checkpointDir).Immediate().Keep(3).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint for ArcScorer in %q", s.checkpointDir)
		}
	}
	if err = extractParams(params, s.ctx); err != nil {
		return nil, err
	}
	if err = parameters.CheckAllUsed(params); err != nil {
		return nil, errors.WithMessagef(err, "ArcScorer (valid parameters:\n%s)", s.HyperparametersHelp())
	}
	if err = s.buildLayers(); err != nil {
		return nil, err
	}
	s.optimizer = optimizers.FromContext(s.ctx)
	s.createExecutors()
	klog.V(1).Infof("Created %s: %s, dependents %s, heads %s, %s", s, s.embed, s.depMLP, s.headMLP, s.biaffine)
	return s, nil
}

// buildLayers creates the layers (and their variables) from the context hyperparameters.
func (s *ArcScorer) buildLayers() error {
	ctx := s.ctx
	s.batchSize = context.GetParamOr(ctx, ParamBatchSize, 32)
	s.wordVocab = context.GetParamOr(ctx, ParamWordVocab, 1000)
	s.tagVocab = context.GetParamOr(ctx, ParamTagVocab, 50)
	var err error
	s.embed, err = nn.NewEmbed(ctx.In("embed"), []nn.EmbedSpec{
		{VocabSize: s.wordVocab, Dim: context.GetParamOr(ctx, ParamWordDim, 32)},
		{VocabSize: s.tagVocab, Dim: context.GetParamOr(ctx, ParamTagDim, 16)},
	}, context.GetParamOr(ctx, ParamEmbedDropout, 0.0), PaddingID)
	if err != nil {
		return err
	}

	activation, err := nn.ActivationFromName(context.GetParamOr(ctx, ParamMLPActivation, "relu"))
	if err != nil {
		return errors.WithMessagef(err, "hyperparameter %q", ParamMLPActivation)
	}
	mlpDim := context.GetParamOr(ctx, ParamMLPDim, 64)
	numLayers := context.GetParamOr(ctx, ParamMLPLayers, 1)
	if numLayers < 1 {
		return errors.Errorf("hyperparameter %q must be >= 1, got %d", ParamMLPLayers, numLayers)
	}
	dims := []int{s.embed.Size()}
	for range numLayers {
		dims = append(dims, mlpDim)
	}
	layerOptions := []nn.LayerOption{
		nn.WithActivation(activation),
		nn.WithDropout(context.GetParamOr(ctx, ParamMLPDropout, 0.0)),
	}
	if s.depMLP, err = nn.NewMLPFromDims(ctx.In("dependent"), dims, layerOptions...); err != nil {
		return err
	}
	if s.headMLP, err = nn.NewMLPFromDims(ctx.In("head"), dims, layerOptions...); err != nil {
		return err
	}

	// Ones are appended only to the dependents, which adds a prior score per head.
	s.biaffine, err = nn.NewBiaffineWithBias(ctx.In("biaffine"), mlpDim, mlpDim, 1, nn.BiasFlags{Input1: true})
	if err != nil {
		return err
	}
	s.regularized = []*context.Variable{s.biaffine.Weight()}
	for _, mlp := range []*nn.MLP{s.depMLP, s.headMLP} {
		for _, l := range mlp.Layers {
			s.regularized = append(s.regularized, l.Weight())
		}
	}
	return nil
}

// extractParams and write them as context hyperparameters.
func extractParams(params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil || scope != context.RootScope {
			return
		}
		var newErr error
		switch defaultValue := valueAny.(type) {
		case string:
			var value string
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			var value int
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case float64:
			var value float64
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case float32:
			var value float32
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case bool:
			var value bool
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		default:
			// Parameters of other types can't be configured.
			return
		}
		if newErr != nil {
			err = errors.WithMessagef(newErr, "parsing %q (%T) for ArcScorer", key, valueAny)
		}
	})
	return err
}

// HyperparametersHelp lists the hyperparameters and their current values.
func (s *ArcScorer) HyperparametersHelp() string {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "\t%q: directory where to load/save the model\n", ParamCheckpoint)
	s.ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: %v\n", key, value)
	})
	return buf.String()
}

func (s *ArcScorer) createExecutors() {
	s.scoreExec = context.NewExec(backend(), s.ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			s.countCompilation()
			return s.ForwardGraph(ctx, inputs[0], inputs[1])
		})
	s.lossExec = context.NewExec(backend(), s.ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			s.countCompilation()
			return s.LossGraph(ctx, inputs[0], inputs[1], inputs[2])
		})
	s.trainStepExec = context.NewExec(backend(), s.ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			s.countCompilation()
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			if context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0) > 0 {
				cosineschedule.New(ctx, g, dtypes.Float32).FromContext().Done()
			}
			loss := s.LossGraph(ctx, inputs[0], inputs[1], inputs[2])
			if regularizer := regularizers.FromContext(ctx); regularizer != nil {
				regularizer(ctx, g, s.regularized...)
				if regularization := train.GetLosses(ctx, g); regularization != nil {
					loss = graph.Add(loss, regularization)
				}
			}
			s.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
}

func (s *ArcScorer) countCompilation() {
	s.muNumCompilations.Lock()
	defer s.muNumCompilations.Unlock()
	s.numCompilations++
}

// NumCompilations returns the number of computation graphs built so far.
func (s *ArcScorer) NumCompilations() int {
	s.muNumCompilations.Lock()
	defer s.muNumCompilations.Unlock()
	return s.numCompilations
}

// Context returns the context holding the model variables and hyperparameters.
func (s *ArcScorer) Context() *context.Context {
	return s.ctx
}

// BatchSize returns the recommended batch size for training.
func (s *ArcScorer) BatchSize() int {
	return s.batchSize
}

// Vocabularies returns the sizes of the word and tag vocabularies, including the padding id.
func (s *ArcScorer) Vocabularies() (words, tags int) {
	return s.wordVocab, s.tagVocab
}

// Biaffine returns the scoring layer.
func (s *ArcScorer) Biaffine() *nn.Biaffine {
	return s.biaffine
}

// String implements fmt.Stringer.
func (s *ArcScorer) String() string {
	if s == nil {
		return "<nil>[GoMLX]"
	}
	name := fmt.Sprintf("ArcScorer[GoMLX/%s]", backend().Name())
	if s.checkpoint == nil {
		return name
	}
	return fmt.Sprintf("%s@%s", name, s.checkpoint.Dir())
}

// ForwardGraph returns the arc scores shaped [batchSize, seqLen, seqLen], where scores[b, i, j] is the
// score of token j being the head of token i. words and tags are shaped [batchSize, seqLen].
func (s *ArcScorer) ForwardGraph(ctx *context.Context, words, tags *graph.Node) *graph.Node {
	h := s.embed.Forward(ctx.In("embed"), words, tags)
	dependents := s.depMLP.Forward(ctx.In("dependent"), h)
	heads := s.headMLP.Forward(ctx.In("head"), h)
	return graph.Squeeze(s.biaffine.Forward(dependents, heads), -1)
}

// LossGraph returns the mean cross-entropy of the gold heads (shaped [batchSize, seqLen]) over the
// candidate heads of each token. Padding tokens are neither candidates nor counted.
func (s *ArcScorer) LossGraph(ctx *context.Context, words, tags, goldHeads *graph.Node) *graph.Node {
	logits := s.ForwardGraph(ctx, words, tags)
	g := logits.Graph()
	dtype := logits.DType()
	batchSize, seqLen := words.Shape().Dimensions[0], words.Shape().Dimensions[1]

	isToken := graph.NotEqual(words, graph.ScalarZero(g, words.DType()))
	candidates := graph.BroadcastToDims(graph.ExpandAxes(isToken, 1), batchSize, seqLen, seqLen)
	logits = graph.Where(candidates, logits, graph.MulScalar(graph.OnesLike(logits), -1e9))

	logProbs := graph.LogSoftmax(logits, -1)
	gold := graph.OneHot(goldHeads, seqLen, dtype)
	tokenLoss := graph.Neg(graph.ReduceSum(graph.Mul(gold, logProbs), -1))

	mask := graph.ConvertDType(isToken, dtype)
	numTokens := graph.Max(graph.ReduceAllSum(mask), graph.ScalarOne(g, dtype))
	return graph.Div(graph.ReduceAllSum(graph.Mul(tokenLoss, mask)), numTokens)
}

// paddedSize returns a padded size for n, so there are few different shapes (and hence compilations)
// for the various batch sizes and sentence lengths.
func (s *ArcScorer) paddedSize(n int) int {
	if n <= 1 || n == s.batchSize {
		return max(n, 1)
	}
	paddedSize := 8
	for paddedSize < n {
		// Increase 1.5x at a time.
		paddedSize = paddedSize + (paddedSize+1)/2
	}
	return paddedSize
}

// CreateInputs converts the word and tag ids of a batch of sentences to padded tensors shaped
// [paddedBatchSize, paddedSeqLen]. Ids must be in [1, vocab), 0 is reserved for padding.
func (s *ArcScorer) CreateInputs(words, tags [][]int32) (wordsT, tagsT *tensors.Tensor, err error) {
	if len(words) != len(tags) {
		return nil, nil, errors.Errorf("got %d sentences of words but %d of tags", len(words), len(tags))
	}
	var maxLen int
	for ii := range words {
		if len(words[ii]) != len(tags[ii]) {
			return nil, nil, errors.Errorf("sentence #%d has %d words but %d tags", ii, len(words[ii]), len(tags[ii]))
		}
		maxLen = max(maxLen, len(words[ii]))
	}
	if err = checkIDs("word", words, s.wordVocab); err != nil {
		return
	}
	if err = checkIDs("tag", tags, s.tagVocab); err != nil {
		return
	}
	batchSize, seqLen := s.paddedSize(len(words)), s.paddedSize(maxLen)
	return paddedTensor(words, batchSize, seqLen), paddedTensor(tags, batchSize, seqLen), nil
}

func checkIDs(name string, ids [][]int32, vocab int) error {
	for sentenceIdx, sentence := range ids {
		for tokenIdx, id := range sentence {
			if id <= PaddingID || int(id) >= vocab {
				return errors.Errorf("sentence #%d, token #%d: %s id %d out of range [1, %d)", sentenceIdx, tokenIdx, name, id, vocab)
			}
		}
	}
	return nil
}

func paddedTensor(values [][]int32, batchSize, seqLen int) *tensors.Tensor {
	t := tensors.FromFlatDataAndDimensions(make([]int32, batchSize*seqLen), batchSize, seqLen)
	tensors.MutableFlatData(t, func(flat []int32) {
		for ii, row := range values {
			copy(flat[ii*seqLen:], row)
		}
	})
	return t
}

// createHeads returns the gold heads tensor with the given padded shape. Heads of padding positions are 0.
func createHeads(heads [][]int, words [][]int32, batchSize, seqLen int) (*tensors.Tensor, error) {
	if len(heads) != len(words) {
		return nil, errors.Errorf("got %d sentences of heads but %d of words", len(heads), len(words))
	}
	values := make([][]int32, len(heads))
	for ii, sentence := range heads {
		if len(sentence) != len(words[ii]) {
			return nil, errors.Errorf("sentence #%d has %d heads but %d words", ii, len(sentence), len(words[ii]))
		}
		values[ii] = make([]int32, len(sentence))
		for jj, head := range sentence {
			if head < 0 || head >= len(sentence) {
				return nil, errors.Errorf("sentence #%d, token #%d: head %d out of range [0, %d)", ii, jj, head, len(sentence))
			}
			values[ii][jj] = int32(head)
		}
	}
	return paddedTensor(values, batchSize, seqLen), nil
}

// call executes exec converting panics to errors.
func call(exec *context.Exec, inputs ...*tensors.Tensor) (output *tensors.Tensor, err error) {
	donated := make([]any, len(inputs))
	for ii, t := range inputs {
		donated[ii] = graph.DonateTensorBuffer(t, backend())
	}
	err = exceptions.TryCatch[error](func() {
		output = exec.Call(donated...)[0]
	})
	return
}

// Score returns the arc scores of each sentence: scores[b][i][j] is the score of token j being the
// head of token i in sentence b. Padding is removed.
func (s *ArcScorer) Score(words, tags [][]int32) ([][][]float32, error) {
	wordsT, tagsT, err := s.CreateInputs(words, tags)
	if err != nil {
		return nil, err
	}
	seqLen := wordsT.Shape().Dimensions[1]
	s.muLearning.RLock()
	scoresT, err := call(s.scoreExec, wordsT, tagsT)
	s.muLearning.RUnlock()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s scoring", s)
	}
	flat := tensors.CopyFlatData[float32](scoresT)
	scores := make([][][]float32, len(words))
	for b, sentence := range words {
		n := len(sentence)
		scores[b] = make([][]float32, n)
		for i := range n {
			offset := (b*seqLen + i) * seqLen
			scores[b][i] = flat[offset : offset+n]
		}
	}
	return scores, nil
}

// Predict returns the highest scoring head of each token.
func (s *ArcScorer) Predict(words, tags [][]int32) ([][]int, error) {
	scores, err := s.Score(words, tags)
	if err != nil {
		return nil, err
	}
	heads := make([][]int, len(scores))
	for b, sentence := range scores {
		heads[b] = make([]int, len(sentence))
		for i, candidates := range sentence {
			best := 0
			for j, score := range candidates {
				if score > candidates[best] {
					best = j
				}
			}
			heads[b][i] = best
		}
	}
	return heads, nil
}

func (s *ArcScorer) createInputsAndHeads(words, tags [][]int32, heads [][]int) ([]*tensors.Tensor, error) {
	wordsT, tagsT, err := s.CreateInputs(words, tags)
	if err != nil {
		return nil, err
	}
	dims := wordsT.Shape().Dimensions
	headsT, err := createHeads(heads, words, dims[0], dims[1])
	if err != nil {
		return nil, err
	}
	return []*tensors.Tensor{wordsT, tagsT, headsT}, nil
}

// Loss returns the loss of the model on the given sentences and gold heads.
func (s *ArcScorer) Loss(words, tags [][]int32, heads [][]int) (float32, error) {
	inputs, err := s.createInputsAndHeads(words, tags, heads)
	if err != nil {
		return 0, err
	}
	s.muLearning.RLock()
	lossT, err := call(s.lossExec, inputs...)
	s.muLearning.RUnlock()
	if err != nil {
		return 0, errors.WithMessagef(err, "%s loss", s)
	}
	return tensors.ToScalar[float32](lossT), nil
}

// TrainStep performs one optimizer step on the batch and returns its loss (before the update), including
// the L1/L2 regularization terms.
func (s *ArcScorer) TrainStep(words, tags [][]int32, heads [][]int) (float32, error) {
	inputs, err := s.createInputsAndHeads(words, tags, heads)
	if err != nil {
		return 0, err
	}
	s.muLearning.Lock()
	lossT, err := call(s.trainStepExec, inputs...)
	s.muLearning.Unlock()
	if err != nil {
		return 0, errors.WithMessagef(err, "%s train step", s)
	}
	return tensors.ToScalar[float32](lossT), nil
}

// Save the model to its checkpoint directory, if one was configured.
func (s *ArcScorer) Save() error {
	if s.checkpoint == nil {
		klog.Warningf("%s is not associated to a checkpoint directory, not saving", s)
		return nil
	}
	s.muSave.Lock()
	defer s.muSave.Unlock()
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	return s.checkpoint.Save()
}

// Finalize frees the resources associated with the model, leaving it in an invalid state.
func (s *ArcScorer) Finalize() {
	s.scoreExec.Finalize()
	s.lossExec.Finalize()
	s.trainStepExec.Finalize()
	s.ctx.Finalize()
}
