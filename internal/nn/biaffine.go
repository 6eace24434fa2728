package nn

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BiasFlags configures the bias terms of a Biaffine layer.
type BiasFlags struct {
	// Input1 appends a constant 1 to every feature vector of the first input.
	Input1 bool

	// Input2 appends a constant 1 to every feature vector of the second input.
	Input2 bool

	// Output adds a learned bias vector to every output score vector.
	Output bool
}

// DefaultBias enables all bias terms.
var DefaultBias = BiasFlags{Input1: true, Input2: true, Output: true}

// Biaffine scores every pair of positions drawn from two sequences of vectors with
// OutFeatures bilinear forms:
//
//	score[b, i, j, o] = x1[b, i, :]ᵗ · W[:, :, o] · x2[b, j, :] + bias[o]
//
// Where x1 and x2 are optionally augmented with a constant 1, so the bilinear form also
// includes the linear terms of each input.
type Biaffine struct {
	In1Features, In2Features, OutFeatures int

	useBias BiasFlags

	// weight has shape [In1Features+bias1, In2Features+bias2, OutFeatures].
	weight *context.Variable

	// bias has shape [OutFeatures], nil if useBias.Output is false.
	bias *context.Variable

	rng *rand.Rand
}

// NewBiaffine creates a Biaffine layer with all bias terms enabled. See NewBiaffineWithBias.
func NewBiaffine(ctx *context.Context, in1Features, in2Features, outFeatures int) (*Biaffine, error) {
	return NewBiaffineWithBias(ctx, in1Features, in2Features, outFeatures, DefaultBias)
}

// NewBiaffineWithBias creates a Biaffine layer with variables "weight" (and "bias" if useBias.Output)
// in the current scope of ctx.
//
// Variables that already exist in the context (e.g.: loaded from a checkpoint) with the expected
// shapes are reused as is. Missing ones are created and initialized as in Reset.
func NewBiaffineWithBias(ctx *context.Context, in1Features, in2Features, outFeatures int, useBias BiasFlags) (*Biaffine, error) {
	for _, size := range []struct {
		name  string
		value int
	}{{"in1_features", in1Features}, {"in2_features", in2Features}, {"out_features", outFeatures}} {
		if err := checkPositive("Biaffine", size.name, size.value); err != nil {
			return nil, err
		}
	}
	b := &Biaffine{
		In1Features: in1Features,
		In2Features: in2Features,
		OutFeatures: outFeatures,
		useBias:     useBias,
		rng:         newRand(ctx),
	}

	weightShape := shapes.Make(dtypes.Float32, in1Features+boolToInt(useBias.Input1), in2Features+boolToInt(useBias.Input2), outFeatures)
	var weightCreated, biasCreated bool
	var err error
	b.weight, weightCreated, err = variableOrNew(ctx, "weight", weightShape)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %s", b)
	}
	if useBias.Output {
		b.bias, biasCreated, err = variableOrNew(ctx, "bias", shapes.Make(dtypes.Float32, outFeatures))
		if err != nil {
			return nil, errors.WithMessagef(err, "creating %s", b)
		}
	}
	b.initialize(weightCreated, biasCreated)
	if !weightCreated {
		klog.V(1).Infof("%s: reusing weight from scope %q", b, ctx.Scope())
	}
	return b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UseBias returns the bias configuration of the layer.
func (b *Biaffine) UseBias() BiasFlags {
	return b.useBias
}

// Weight returns the weight variable, shaped [In1Features+bias1, In2Features+bias2, OutFeatures].
func (b *Biaffine) Weight() *context.Variable {
	return b.weight
}

// Bias returns the output bias variable, or nil if the layer has no output bias.
func (b *Biaffine) Bias() *context.Variable {
	return b.bias
}

// SetSeed resets the random number generator used by Reset.
func (b *Biaffine) SetSeed(seed int64) {
	b.rng = rand.New(rand.NewSource(seed))
}

// Reset reinitializes the weight (and bias, if present) with values drawn from U[-stdv, stdv], where
// stdv = 1/sqrt(weight.Shape().Dim(0)).
func (b *Biaffine) Reset() {
	b.initialize(true, true)
}

// initialize fills the selected variables with values from U[-stdv, stdv].
func (b *Biaffine) initialize(weight, bias bool) {
	stdv := 1 / math32.Sqrt(float32(b.weight.Shape().Dimensions[0]))
	if weight {
		fillUniform(b.weight, b.rng, stdv)
	}
	if bias && b.bias != nil {
		fillUniform(b.bias, b.rng, stdv)
	}
}

// String implements fmt.Stringer.
func (b *Biaffine) String() string {
	return fmt.Sprintf("Biaffine (in1_features=%d, in2_features=%d, out_features=%d)",
		b.In1Features, b.In2Features, b.OutFeatures)
}

// CheckInputShapes returns an error if input1 and input2 are not valid inputs for Forward:
// shaped [batchSize, len1, In1Features] and [batchSize, len2, In2Features], with the same dtype as
// the weights.
func (b *Biaffine) CheckInputShapes(input1, input2 shapes.Shape) error {
	if input1.Rank() != 3 || input2.Rank() != 3 {
		return errors.Errorf("%s: inputs must be shaped [batch_size, seq_len, features], got input1=%s, input2=%s",
			b, input1, input2)
	}
	if input1.Dimensions[2] != b.In1Features {
		return errors.Errorf("%s: input1 has %d features, expected %d (input1=%s)",
			b, input1.Dimensions[2], b.In1Features, input1)
	}
	if input2.Dimensions[2] != b.In2Features {
		return errors.Errorf("%s: input2 has %d features, expected %d (input2=%s)",
			b, input2.Dimensions[2], b.In2Features, input2)
	}
	if input1.Dimensions[0] != input2.Dimensions[0] {
		return errors.Errorf("%s: batch size of input1 (%d) and input2 (%d) differ",
			b, input1.Dimensions[0], input2.Dimensions[0])
	}
	dtype := b.weight.Shape().DType
	if input1.DType != dtype || input2.DType != dtype {
		return errors.Errorf("%s: inputs must have dtype %s, got input1=%s, input2=%s",
			b, dtype, input1.DType, input2.DType)
	}
	return nil
}

// Forward returns the biaffine scores of every pair of positions of input1 and input2.
//
// input1 is shaped [batchSize, len1, In1Features] and input2 [batchSize, len2, In2Features].
// The output is shaped [batchSize, len1, len2, OutFeatures].
//
// It panics (with an error, see exceptions.TryCatch) if the inputs shapes are not valid.
func (b *Biaffine) Forward(input1, input2 *Node) *Node {
	if err := b.CheckInputShapes(input1.Shape(), input2.Shape()); err != nil {
		exceptions.Panicf("%+v", err)
	}
	g := input1.Graph()
	dtype := input1.DType()
	outSize := b.OutFeatures
	batchSize, len1, dim1 := input1.Shape().Dimensions[0], input1.Shape().Dimensions[1], input1.Shape().Dimensions[2]
	len2, dim2 := input2.Shape().Dimensions[1], input2.Shape().Dimensions[2]

	// Bias augmentation: append a constant 1 feature.
	if b.useBias.Input1 {
		ones := Ones(g, shapes.Make(dtype, batchSize, len1, 1))
		input1 = Concatenate([]*Node{input1, ones}, 2)
		dim1++
	}
	if b.useBias.Input2 {
		ones := Ones(g, shapes.Make(dtype, batchSize, len2, 1))
		input2 = Concatenate([]*Node{input2, ones}, 2)
		dim2++
	}

	// affine[b, i*outSize+o, :] = x1[b, i, :]ᵗ · W[:, :, o]
	input1Reshaped := Reshape(input1, batchSize*len1, dim1)
	weightReshaped := Reshape(Transpose(b.weight.ValueGraph(g), 1, 2), dim1, outSize*dim2)
	affine := Reshape(Dot(input1Reshaped, weightReshaped), batchSize, len1*outSize, dim2)

	// Batch matrix multiplication with the transposed input2: [batchSize, len1*outSize, len2]
	biaffine := Einsum("bkd,bdl->bkl", affine, Transpose(input2, 1, 2))
	biaffine = Transpose(Reshape(biaffine, batchSize, len1, outSize, len2), 2, 3)

	if b.bias != nil {
		bias := Reshape(b.bias.ValueGraph(g), 1, 1, 1, outSize)
		biaffine = Add(biaffine, BroadcastToDims(bias, batchSize, len1, len2, outSize))
	}
	return biaffine
}
