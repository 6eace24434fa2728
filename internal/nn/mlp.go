package nn

import (
	"fmt"
	"math/rand"
	"slices"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Activation function applied to the output of a Layer. A nil Activation is the identity.
type Activation func(x *Node) *Node

// ActivationFromName returns the Activation for the given name, one of the gomlx activations
// (e.g.: "relu", "leaky_relu", "swish", "tanh", "sigmoid"), case-insensitive.
// "", "none" and "identity" return a nil Activation.
func ActivationFromName(name string) (Activation, error) {
	name = strings.ToLower(name)
	if name == "identity" {
		name = "none"
	}
	var activationType activations.Type
	err := exceptions.TryCatch[error](func() { activationType = activations.FromName(name) })
	if err != nil {
		return nil, errors.WithMessagef(err, "unknown activation %q", name)
	}
	if activationType == activations.TypeNone {
		return nil, nil
	}
	return func(x *Node) *Node { return activations.Apply(activationType, x) }, nil
}

// Layer is a fully connected layer, y = dropout(activation(x·W + b)).
type Layer struct {
	InFeatures, OutFeatures int
	DropoutRate             float64

	activation Activation
	useBias    bool

	// weight is shaped [InFeatures, OutFeatures].
	weight, bias *context.Variable
	rng          *rand.Rand
}

// LayerOption configures NewLayer.
type LayerOption func(l *Layer)

// WithActivation sets the activation of the layer.
func WithActivation(activation Activation) LayerOption {
	return func(l *Layer) { l.activation = activation }
}

// WithDropout sets the dropout rate applied to the layer output during training.
func WithDropout(rate float64) LayerOption {
	return func(l *Layer) { l.DropoutRate = rate }
}

// WithoutBias disables the bias term.
func WithoutBias() LayerOption {
	return func(l *Layer) { l.useBias = false }
}

// NewLayer creates a Layer with variables "weight" and "bias" in the current scope of ctx.
// New variables are initialized with Reset.
func NewLayer(ctx *context.Context, inFeatures, outFeatures int, options ...LayerOption) (*Layer, error) {
	if err := checkPositive("MLP.Layer", "in_features", inFeatures); err != nil {
		return nil, err
	}
	if err := checkPositive("MLP.Layer", "out_features", outFeatures); err != nil {
		return nil, err
	}
	l := &Layer{
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		useBias:     true,
		rng:         newRand(ctx),
	}
	for _, option := range options {
		option(l)
	}
	if err := checkDropout("MLP.Layer", l.DropoutRate); err != nil {
		return nil, err
	}

	var weightCreated, biasCreated bool
	var err error
	l.weight, weightCreated, err = variableOrNew(ctx, "weight", shapes.Make(dtypes.Float32, inFeatures, outFeatures))
	if err != nil {
		return nil, err
	}
	if l.useBias {
		l.bias, biasCreated, err = variableOrNew(ctx, "bias", shapes.Make(dtypes.Float32, outFeatures))
		if err != nil {
			return nil, err
		}
	}
	l.initialize(weightCreated, biasCreated)
	return l, nil
}

// Weight returns the weight variable, shaped [InFeatures, OutFeatures].
func (l *Layer) Weight() *context.Variable {
	return l.weight
}

// Bias returns the bias variable or nil if the layer has no bias.
func (l *Layer) Bias() *context.Variable {
	return l.bias
}

// Reset initializes weight and bias from U[-1/sqrt(InFeatures), 1/sqrt(InFeatures)].
func (l *Layer) Reset() {
	l.initialize(true, true)
}

func (l *Layer) initialize(weight, bias bool) {
	bound := 1 / math32.Sqrt(float32(l.InFeatures))
	if weight {
		fillUniform(l.weight, l.rng, bound)
	}
	if bias && l.bias != nil {
		fillUniform(l.bias, l.rng, bound)
	}
}

// String implements fmt.Stringer.
func (l *Layer) String() string {
	return fmt.Sprintf("Layer(in_features=%d, out_features=%d, bias=%t, dropout=%g)",
		l.InFeatures, l.OutFeatures, l.useBias, l.DropoutRate)
}

// Forward applies the layer to x, shaped [..., InFeatures]. Inputs of rank other than 2 are
// flattened to [-1, InFeatures] and the result reshaped back to [..., OutFeatures]: a rank-1 input
// [InFeatures] returns [OutFeatures].
func (l *Layer) Forward(ctx *context.Context, x *Node) *Node {
	if x.Rank() < 1 || x.Shape().Dimensions[x.Rank()-1] != l.InFeatures {
		exceptions.Panicf("%s: input must be shaped [..., %d], got %s", l, l.InFeatures, x.Shape())
	}
	g := x.Graph()
	dims := x.Shape().Dimensions
	if x.Rank() != 2 {
		x = Reshape(x, -1, l.InFeatures)
	}
	y := Dot(x, l.weight.ValueGraph(g))
	if l.bias != nil {
		y = Add(y, BroadcastToDims(ExpandAxes(l.bias.ValueGraph(g), 0), y.Shape().Dimensions...))
	}
	if len(dims) != 2 {
		outDims := append(slices.Clone(dims[:len(dims)-1]), l.OutFeatures)
		y = Reshape(y, outDims...)
	}
	if l.activation != nil {
		y = l.activation(y)
	}
	if l.DropoutRate > 0 {
		y = layers.DropoutStatic(ctx, y, l.DropoutRate)
	}
	return y
}

// MLP is a stack of Layer.
type MLP struct {
	Layers []*Layer
}

// NewMLP creates an MLP with the given layers, applied in order.
func NewMLP(mlpLayers ...*Layer) (*MLP, error) {
	for ii, l := range mlpLayers {
		if l == nil {
			return nil, errors.Errorf("MLP: layer #%d is nil", ii)
		}
		if ii > 0 && mlpLayers[ii-1].OutFeatures != l.InFeatures {
			return nil, errors.Errorf("MLP: layer #%d (%s) doesn't match the output of layer #%d (%s)",
				ii, l, ii-1, mlpLayers[ii-1])
		}
	}
	return &MLP{Layers: mlpLayers}, nil
}

// NewMLPFromDims creates an MLP with len(dims)-1 layers, the i-th in the scope "layer_<i>" of ctx,
// mapping dims[i] to dims[i+1]. The options are applied to every layer.
func NewMLPFromDims(ctx *context.Context, dims []int, options ...LayerOption) (*MLP, error) {
	if len(dims) < 2 {
		return nil, errors.Errorf("MLP: at least 2 dimensions (input and output) required, got %v", dims)
	}
	mlpLayers := make([]*Layer, len(dims)-1)
	for ii := range mlpLayers {
		var err error
		mlpLayers[ii], err = NewLayer(ctx.In(fmt.Sprintf("layer_%d", ii)), dims[ii], dims[ii+1], options...)
		if err != nil {
			return nil, errors.WithMessagef(err, "MLP: layer #%d", ii)
		}
	}
	return NewMLP(mlpLayers...)
}

// String implements fmt.Stringer.
func (m *MLP) String() string {
	parts := make([]string, len(m.Layers))
	for ii, l := range m.Layers {
		parts[ii] = l.String()
	}
	return fmt.Sprintf("MLP(%s)", strings.Join(parts, ", "))
}

// Forward applies all layers in order.
func (m *MLP) Forward(ctx *context.Context, x *Node) *Node {
	for _, l := range m.Layers {
		x = l.Forward(ctx, x)
	}
	return x
}
