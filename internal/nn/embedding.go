package nn

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// NoPadding disables the padding index of an Embedding.
const NoPadding = -1

// Embedding is a lookup table of NumEmbeddings vectors of EmbeddingDim features.
type Embedding struct {
	NumEmbeddings, EmbeddingDim int

	// PaddingIdx is an index whose embedding is always the zero vector and receives no gradient,
	// or NoPadding.
	PaddingIdx int

	// Fixed embeddings are not trained.
	Fixed bool

	weight *context.Variable
	rng    *rand.Rand
}

// EmbeddingOption configures NewEmbedding.
type EmbeddingOption func(e *Embedding)

// WithPaddingIdx sets the padding index of the embedding.
func WithPaddingIdx(idx int) EmbeddingOption {
	return func(e *Embedding) { e.PaddingIdx = idx }
}

// WithFixedWeight marks the embedding table as not trainable.
func WithFixedWeight() EmbeddingOption {
	return func(e *Embedding) { e.Fixed = true }
}

// NewEmbedding creates an Embedding with a variable "embeddings" in the current scope of ctx.
// If the variable doesn't exist yet, it is initialized with Reset.
func NewEmbedding(ctx *context.Context, numEmbeddings, embeddingDim int, options ...EmbeddingOption) (*Embedding, error) {
	if err := checkPositive("Embedding", "num_embeddings", numEmbeddings); err != nil {
		return nil, err
	}
	if err := checkPositive("Embedding", "embedding_dim", embeddingDim); err != nil {
		return nil, err
	}
	e := &Embedding{
		NumEmbeddings: numEmbeddings,
		EmbeddingDim:  embeddingDim,
		PaddingIdx:    NoPadding,
		rng:           newRand(ctx),
	}
	for _, option := range options {
		option(e)
	}
	if e.PaddingIdx != NoPadding && (e.PaddingIdx < 0 || e.PaddingIdx >= numEmbeddings) {
		return nil, errors.Errorf("%s: padding_idx must be in [0, %d)", e, numEmbeddings)
	}

	var created bool
	var err error
	e.weight, created, err = variableOrNew(ctx, "embeddings", shapes.Make(dtypes.Float32, numEmbeddings, embeddingDim))
	if err != nil {
		return nil, err
	}
	e.weight.SetTrainable(!e.Fixed)
	if created {
		e.Reset()
	}
	return e, nil
}

// Weight returns the embedding table variable, shaped [NumEmbeddings, EmbeddingDim].
func (e *Embedding) Weight() *context.Variable {
	return e.weight
}

// Reset initializes the table from N(0, 1), with the padding row (if any) set to zeros.
func (e *Embedding) Reset() {
	t := tensors.FromShape(e.weight.Shape())
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(e.rng.NormFloat64())
		}
		if e.PaddingIdx != NoPadding {
			clear(flat[e.PaddingIdx*e.EmbeddingDim : (e.PaddingIdx+1)*e.EmbeddingDim])
		}
	})
	e.weight.SetValue(t)
}

// SetWeights copies the given table over the embedding values. It must be shaped [NumEmbeddings][EmbeddingDim].
func (e *Embedding) SetWeights(values [][]float32) error {
	if len(values) != e.NumEmbeddings {
		return errors.Errorf("%s: got %d embeddings, expected %d", e, len(values), e.NumEmbeddings)
	}
	t := tensors.FromShape(e.weight.Shape())
	var err error
	tensors.MutableFlatData(t, func(flat []float32) {
		for row, value := range values {
			if len(value) != e.EmbeddingDim {
				err = errors.Errorf("%s: embedding #%d has dimension %d, expected %d", e, row, len(value), e.EmbeddingDim)
				return
			}
			copy(flat[row*e.EmbeddingDim:], value)
		}
	})
	if err != nil {
		return err
	}
	e.weight.SetValue(t)
	return nil
}

// String implements fmt.Stringer.
func (e *Embedding) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Embedding(%d, %d", e.NumEmbeddings, e.EmbeddingDim)
	if e.PaddingIdx != NoPadding {
		_, _ = fmt.Fprintf(&sb, ", padding_idx=%d", e.PaddingIdx)
	}
	if e.Fixed {
		sb.WriteString(", fixed_weight=True")
	}
	sb.WriteString(")")
	return sb.String()
}

// Forward looks up the embeddings of indices (any shape, integer dtype) and returns them shaped
// [<indices shape>..., EmbeddingDim].
func (e *Embedding) Forward(indices *Node) *Node {
	if !indices.DType().IsInt() {
		exceptions.Panicf("%s: indices must be integers, got %s", e, indices.Shape())
	}
	g := indices.Graph()
	table := e.weight.ValueGraph(g)
	embedded := Gather(table, ExpandAxes(indices, -1))
	if e.PaddingIdx != NoPadding {
		// Masked, so the padding row also gets no gradient.
		mask := ConvertDType(NotEqual(indices, Scalar(g, indices.DType(), float64(e.PaddingIdx))), embedded.DType())
		mask = BroadcastToDims(ExpandAxes(mask, -1), embedded.Shape().Dimensions...)
		embedded = Mul(embedded, mask)
	}
	return embedded
}

// EmbedSpec describes one of the embedding tables of Embed.
//
// Either VocabSize and Dim are given, or Weights holds a pretrained table from which they are
// inferred.
type EmbedSpec struct {
	VocabSize, Dim int
	Weights        [][]float32
	Fixed          bool
}

// Embed is a list of Embedding tables, one per input feature (e.g.: words, part-of-speech tags),
// whose results are concatenated.
type Embed struct {
	Embeddings  []*Embedding
	DropoutRate float64
	size        int
}

// NewEmbed creates one Embedding per spec, each in the sub-scope "embed_<i>" of ctx.
// dropout is applied to each embedding independently during training, and paddingIdx (or NoPadding)
// is used for all tables.
func NewEmbed(ctx *context.Context, specs []EmbedSpec, dropout float64, paddingIdx int) (*Embed, error) {
	if len(specs) == 0 {
		return nil, errors.New("Embed: at least one embedding must be given")
	}
	if err := checkDropout("Embed", dropout); err != nil {
		return nil, err
	}
	embed := &Embed{DropoutRate: dropout}
	for ii, spec := range specs {
		vocabSize, dim := spec.VocabSize, spec.Dim
		if vocabSize <= 0 || dim <= 0 {
			if spec.Weights == nil {
				return nil, errors.Errorf("Embed: embedding #%d: embeddings or in_size/out_size must be specified", ii)
			}
			vocabSize = len(spec.Weights)
			if vocabSize > 0 {
				dim = len(spec.Weights[0])
			}
		}
		options := []EmbeddingOption{WithPaddingIdx(paddingIdx)}
		if spec.Fixed {
			options = append(options, WithFixedWeight())
		}
		embedding, err := NewEmbedding(ctx.In(fmt.Sprintf("embed_%d", ii)), vocabSize, dim, options...)
		if err != nil {
			return nil, errors.WithMessagef(err, "Embed: embedding #%d", ii)
		}
		if spec.Weights != nil {
			if err = embedding.SetWeights(spec.Weights); err != nil {
				return nil, errors.WithMessagef(err, "Embed: embedding #%d", ii)
			}
		}
		embed.Embeddings = append(embed.Embeddings, embedding)
		embed.size += embedding.EmbeddingDim
	}
	return embed, nil
}

// Size is the dimension of the concatenated embeddings.
func (embed *Embed) Size() int {
	return embed.size
}

// String implements fmt.Stringer.
func (embed *Embed) String() string {
	parts := make([]string, len(embed.Embeddings))
	for ii, e := range embed.Embeddings {
		parts[ii] = e.String()
	}
	return fmt.Sprintf("Embed(%s, dropout=%g)", strings.Join(parts, ", "), embed.DropoutRate)
}

// Forward embeds each of xs with the corresponding table and concatenates the results on the
// feature axis. Each xs[k] is shaped [batchSize, seqLen], and the result is shaped
// [batchSize, seqLen, Size()].
//
// Dropout is only applied if ctx is in training mode for the graph.
func (embed *Embed) Forward(ctx *context.Context, xs ...*Node) *Node {
	if len(xs) != len(embed.Embeddings) {
		exceptions.Panicf("%s: got %d inputs, expected one per embedding (%d)", embed, len(xs), len(embed.Embeddings))
	}
	hs := make([]*Node, len(xs))
	for ii, x := range xs {
		if ii > 0 && !x.Shape().Equal(xs[0].Shape()) {
			exceptions.Panicf("%s: input #%d shaped %s, but input #0 is shaped %s", embed, ii, x.Shape(), xs[0].Shape())
		}
		h := embed.Embeddings[ii].Forward(x)
		if embed.DropoutRate > 0 {
			h = layers.DropoutStatic(ctx, h, embed.DropoutRate)
		}
		hs[ii] = h
	}
	if len(hs) == 1 {
		return hs[0]
	}
	return Concatenate(hs, xs[0].Rank())
}
