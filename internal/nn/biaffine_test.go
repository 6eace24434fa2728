package nn

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// randomInput returns a tensor shaped dims with values from U[-1, 1].
func randomInput(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = 2*rng.Float32() - 1
		}
	})
	return t
}

// execBiaffine runs b.Forward on the given inputs.
func execBiaffine(ctx *context.Context, b *Biaffine, input1, input2 any) *tensors.Tensor {
	backend := graphtest.BuildTestBackend()
	return context.ExecOnce(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return b.Forward(inputs[0], inputs[1])
	}, input1, input2)
}

// referenceBiaffine computes the biaffine scores with explicit loops over flat data.
func referenceBiaffine(b *Biaffine, input1, input2 *tensors.Tensor) []float32 {
	batchSize, len1 := input1.Shape().Dimensions[0], input1.Shape().Dimensions[1]
	len2 := input2.Shape().Dimensions[1]
	d1, d2, outSize := b.In1Features, b.In2Features, b.OutFeatures
	weight := tensors.CopyFlatData[float32](b.Weight().Value())
	dims := b.Weight().Shape().Dimensions
	x1 := tensors.CopyFlatData[float32](input1)
	x2 := tensors.CopyFlatData[float32](input2)
	var bias []float32
	if b.Bias() != nil {
		bias = tensors.CopyFlatData[float32](b.Bias().Value())
	}

	// feature returns the (maybe augmented) feature k of a vector.
	feature := func(flat []float32, offset, dim, k int) float64 {
		if k == dim {
			return 1
		}
		return float64(flat[offset+k])
	}
	scores := make([]float32, batchSize*len1*len2*outSize)
	for bIdx := range batchSize {
		for i := range len1 {
			for j := range len2 {
				for o := range outSize {
					var sum float64
					for k1 := range dims[0] {
						v1 := feature(x1, (bIdx*len1+i)*d1, d1, k1)
						for k2 := range dims[1] {
							v2 := feature(x2, (bIdx*len2+j)*d2, d2, k2)
							sum += v1 * float64(weight[(k1*dims[1]+k2)*outSize+o]) * v2
						}
					}
					if bias != nil {
						sum += float64(bias[o])
					}
					scores[((bIdx*len1+i)*len2+j)*outSize+o] = float32(sum)
				}
			}
		}
	}
	return scores
}

func allBiasFlags() (all []BiasFlags) {
	for ii := range 8 {
		all = append(all, BiasFlags{Input1: ii&1 != 0, Input2: ii&2 != 0, Output: ii&4 != 0})
	}
	return
}

func TestBiaffine_OutputShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	batchSize, len1, len2, d1, d2, outSize := 2, 3, 4, 5, 6, 2
	for _, useBias := range allBiasFlags() {
		t.Run(fmt.Sprintf("%+v", useBias), func(t *testing.T) {
			ctx := context.New()
			b, err := NewBiaffineWithBias(ctx, d1, d2, outSize, useBias)
			require.NoError(t, err)
			require.Equal(t, []int{d1 + boolToInt(useBias.Input1), d2 + boolToInt(useBias.Input2), outSize},
				b.Weight().Shape().Dimensions)
			require.Equal(t, useBias.Output, b.Bias() != nil)

			input1 := randomInput(rng, batchSize, len1, d1)
			input2 := randomInput(rng, batchSize, len2, d2)
			output := execBiaffine(ctx, b, input1, input2)
			require.Equal(t, []int{batchSize, len1, len2, outSize}, output.Shape().Dimensions)
			require.InDeltaSlice(t, referenceBiaffine(b, input1, input2), tensors.CopyFlatData[float32](output), 1e-4)
		})
	}
}

func TestBiaffine_IdentityForm(t *testing.T) {
	identity := [][][]float32{{{1}, {0}}, {{0}, {1}}}
	input1 := [][][]float32{{{1, 2}}}
	input2 := [][][]float32{{{3, 4}}}

	ctx := context.New()
	b, err := NewBiaffineWithBias(ctx, 2, 2, 1, BiasFlags{})
	require.NoError(t, err)
	require.Nil(t, b.Bias())
	b.Weight().SetValue(tensors.FromValue(identity))
	output := execBiaffine(ctx, b, input1, input2)
	require.Equal(t, [][][][]float32{{{{11}}}}, output.Value())

	ctx = context.New()
	b, err = NewBiaffineWithBias(ctx, 2, 2, 1, BiasFlags{Output: true})
	require.NoError(t, err)
	b.Weight().SetValue(tensors.FromValue(identity))
	b.Bias().SetValue(tensors.FromValue([]float32{5}))
	output = execBiaffine(ctx, b, input1, input2)
	require.Equal(t, [][][][]float32{{{{16}}}}, output.Value())
}

func TestBiaffine_BilinearForm(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	len1, len2, d1, d2 := 3, 2, 4, 5
	ctx := context.New()
	b, err := NewBiaffineWithBias(ctx, d1, d2, 1, BiasFlags{})
	require.NoError(t, err)
	input1 := randomInput(rng, 1, len1, d1)
	input2 := randomInput(rng, 1, len2, d2)
	got := tensors.CopyFlatData[float32](execBiaffine(ctx, b, input1, input2))

	// score[0, i, j, 0] = sum(x1[i] ⊗ x2[j] * W[:, :, 0])
	weight := tensors.CopyFlatData[float32](b.Weight().Value())
	x1 := tensors.CopyFlatData[float32](input1)
	x2 := tensors.CopyFlatData[float32](input2)
	for i := range len1 {
		for j := range len2 {
			var want float64
			for k1 := range d1 {
				for k2 := range d2 {
					want += float64(x1[i*d1+k1] * weight[k1*d2+k2] * x2[j*d2+k2])
				}
			}
			require.InDeltaf(t, want, got[i*len2+j], 1e-5, "score[0, %d, %d, 0]", i, j)
		}
	}
}

func TestBiaffine_InputBiasIsOnesColumn(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	batchSize, len1, len2, d1, d2, outSize := 2, 3, 2, 4, 3, 2

	ctxBias := context.New()
	withBias, err := NewBiaffineWithBias(ctxBias, d1, d2, outSize, BiasFlags{Input1: true})
	require.NoError(t, err)

	// Same weights, but input1 augmented manually, with one more feature.
	ctxNoBias := context.New()
	noBias, err := NewBiaffineWithBias(ctxNoBias, d1+1, d2, outSize, BiasFlags{})
	require.NoError(t, err)
	noBias.Weight().SetValue(tensors.FromFlatDataAndDimensions(
		tensors.CopyFlatData[float32](withBias.Weight().Value()), d1+1, d2, outSize))

	input1 := randomInput(rng, batchSize, len1, d1)
	input2 := randomInput(rng, batchSize, len2, d2)
	flat1 := tensors.CopyFlatData[float32](input1)
	augmented := make([]float32, 0, batchSize*len1*(d1+1))
	for row := range batchSize * len1 {
		augmented = append(augmented, flat1[row*d1:(row+1)*d1]...)
		augmented = append(augmented, 1)
	}
	augmentedInput1 := tensors.FromFlatDataAndDimensions(augmented, batchSize, len1, d1+1)

	want := tensors.CopyFlatData[float32](execBiaffine(ctxNoBias, noBias, augmentedInput1, input2))
	got := tensors.CopyFlatData[float32](execBiaffine(ctxBias, withBias, input1, input2))
	require.InDeltaSlice(t, want, got, 1e-5)
}

func TestBiaffine_Reset(t *testing.T) {
	d1, d2, outSize := 9, 8, 50
	ctx := context.New()
	b, err := NewBiaffine(ctx, d1, d2, outSize)
	require.NoError(t, err)
	stdv := 1 / math.Sqrt(float64(d1+1))

	checkUniform := func(values []float32) {
		minV, maxV := float64(values[0]), float64(values[0])
		for _, v := range values {
			require.LessOrEqual(t, math.Abs(float64(v)), stdv*(1+1e-6))
			minV, maxV = min(minV, float64(v)), max(maxV, float64(v))
		}
		require.InDelta(t, -stdv, minV, 0.05*stdv)
		require.InDelta(t, stdv, maxV, 0.05*stdv)
	}
	before := tensors.CopyFlatData[float32](b.Weight().Value())
	require.Len(t, before, (d1+1)*(d2+1)*outSize)
	checkUniform(before)
	for _, v := range tensors.CopyFlatData[float32](b.Bias().Value()) {
		require.LessOrEqual(t, math.Abs(float64(v)), stdv*(1+1e-6))
	}

	b.Reset()
	after := tensors.CopyFlatData[float32](b.Weight().Value())
	require.Equal(t, []int{d1 + 1, d2 + 1, outSize}, b.Weight().Shape().Dimensions)
	require.NotEqual(t, before, after)
	checkUniform(after)
}

func TestBiaffine_Deterministic(t *testing.T) {
	newLayer := func() (*context.Context, *Biaffine) {
		ctx := context.New()
		ctx.SetParam(ParamSeed, 7)
		b, err := NewBiaffine(ctx.In("biaffine"), 3, 4, 2)
		require.NoError(t, err)
		return ctx, b
	}
	ctx0, b0 := newLayer()
	_, b1 := newLayer()
	require.Equal(t, tensors.CopyFlatData[float32](b0.Weight().Value()), tensors.CopyFlatData[float32](b1.Weight().Value()))

	b0.SetSeed(11)
	b1.SetSeed(11)
	b0.Reset()
	b1.Reset()
	require.Equal(t, tensors.CopyFlatData[float32](b0.Bias().Value()), tensors.CopyFlatData[float32](b1.Bias().Value()))

	rng := rand.New(rand.NewSource(4))
	input1, input2 := randomInput(rng, 2, 3, 3), randomInput(rng, 2, 5, 4)
	first := tensors.CopyFlatData[float32](execBiaffine(ctx0, b0, input1, input2))
	second := tensors.CopyFlatData[float32](execBiaffine(ctx0, b0, input1, input2))
	require.Equal(t, first, second)
}

func TestBiaffine_ReuseVariables(t *testing.T) {
	ctx := context.New()
	b, err := NewBiaffine(ctx, 2, 2, 1)
	require.NoError(t, err)
	values := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	b.Weight().SetValue(tensors.FromFlatDataAndDimensions(values, 3, 3, 1))

	reused, err := NewBiaffine(ctx, 2, 2, 1)
	require.NoError(t, err)
	require.Equal(t, values, tensors.CopyFlatData[float32](reused.Weight().Value()))

	// Same scope, incompatible shape.
	_, err = NewBiaffine(ctx, 3, 2, 1)
	require.Error(t, err)
}

func TestBiaffine_InvalidInputs(t *testing.T) {
	ctx := context.New()
	b, err := NewBiaffine(ctx, 3, 4, 2)
	require.NoError(t, err)

	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }
	require.NoError(t, b.CheckInputShapes(f32(2, 5, 3), f32(2, 7, 4)))
	for _, invalid := range [][2]shapes.Shape{
		{f32(2, 5, 4), f32(2, 7, 4)},
		{f32(2, 5, 3), f32(2, 7, 3)},
		{f32(2, 5, 3), f32(3, 7, 4)},
		{f32(5, 3), f32(7, 4)},
		{shapes.Make(dtypes.Float64, 2, 5, 3), f32(2, 7, 4)},
		{f32(2, 5, 3), shapes.Make(dtypes.Int32, 2, 7, 4)},
	} {
		require.Errorf(t, b.CheckInputShapes(invalid[0], invalid[1]), "inputs %s and %s should be invalid", invalid[0], invalid[1])
	}

	rng := rand.New(rand.NewSource(5))
	err = exceptions.TryCatch[error](func() {
		_ = execBiaffine(ctx, b, randomInput(rng, 2, 5, 4), randomInput(rng, 2, 7, 4))
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "input1 has 4 features, expected 3")
}

func TestBiaffine_Construction(t *testing.T) {
	ctx := context.New()
	_, err := NewBiaffine(ctx, 0, 2, 1)
	require.Error(t, err)
	_, err = NewBiaffine(ctx, 2, -1, 1)
	require.Error(t, err)
	_, err = NewBiaffine(ctx, 2, 2, 0)
	require.Error(t, err)

	b, err := NewBiaffine(ctx, 10, 20, 3)
	require.NoError(t, err)
	require.Equal(t, DefaultBias, b.UseBias())
	require.Equal(t, "Biaffine (in1_features=10, in2_features=20, out_features=3)", b.String())
}

func TestBiaffine_ReuseWeightWithNewBias(t *testing.T) {
	ctx := context.New()
	b, err := NewBiaffineWithBias(ctx, 1, 1, 1, BiasFlags{})
	require.NoError(t, err)
	b.Weight().SetValue(tensors.FromFlatDataAndDimensions([]float32{7}, 1, 1, 1))

	withBias, err := NewBiaffineWithBias(ctx, 1, 1, 1, BiasFlags{Output: true})
	require.NoError(t, err)
	require.Equal(t, []float32{7}, tensors.CopyFlatData[float32](withBias.Weight().Value()))
	require.NotNil(t, withBias.Bias())
	bias := tensors.CopyFlatData[float32](withBias.Bias().Value())
	require.Len(t, bias, 1)
	require.LessOrEqual(t, math.Abs(float64(bias[0])), 1.0)
}

func TestBiaffine_Gradient(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	batchSize, len1, len2, d1, d2, outSize := 2, 3, 4, 2, 3, 2
	ctx := context.New()
	b, err := NewBiaffine(ctx, d1, d2, outSize)
	require.NoError(t, err)
	input1 := randomInput(rng, batchSize, len1, d1)
	input2 := randomInput(rng, batchSize, len2, d2)

	backend := graphtest.BuildTestBackend()
	grads := context.ExecOnceN(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		g := inputs[0].Graph()
		loss := graph.ReduceAllSum(b.Forward(inputs[0], inputs[1]))
		return graph.Gradient(loss, inputs[0], inputs[1], b.Weight().ValueGraph(g), b.Bias().ValueGraph(g))
	}, input1, input2)
	require.Len(t, grads, 4)

	// Augmented inputs and weight, for the closed forms of the gradients of the sum of the scores.
	dims := b.Weight().Shape().Dimensions // [d1+1, d2+1, outSize]
	weight := tensors.CopyFlatData[float32](b.Weight().Value())
	w := func(k1, k2, o int) float64 { return float64(weight[(k1*dims[1]+k2)*outSize+o]) }
	augmented := func(flat []float32, dim int) func(bIdx, pos, seqLen, k int) float64 {
		return func(bIdx, pos, seqLen, k int) float64 {
			if k == dim {
				return 1
			}
			return float64(flat[(bIdx*seqLen+pos)*dim+k])
		}
	}
	x1 := augmented(tensors.CopyFlatData[float32](input1), d1)
	x2 := augmented(tensors.CopyFlatData[float32](input2), d2)

	// d/dx1[b, i, k1] = Σ_j Σ_o Σ_k2 W[k1, k2, o] · x2[b, j, k2], the same for every i.
	gradInput1 := tensors.CopyFlatData[float32](grads[0])
	require.Equal(t, []int{batchSize, len1, d1}, grads[0].Shape().Dimensions)
	for bIdx := range batchSize {
		for i := range len1 {
			for k1 := range d1 {
				var want float64
				for j := range len2 {
					for k2 := range dims[1] {
						for o := range outSize {
							want += w(k1, k2, o) * x2(bIdx, j, len2, k2)
						}
					}
				}
				require.InDelta(t, want, gradInput1[(bIdx*len1+i)*d1+k1], 1e-4)
			}
		}
	}

	// d/dx2[b, j, k2] = Σ_i Σ_o Σ_k1 x1[b, i, k1] · W[k1, k2, o].
	gradInput2 := tensors.CopyFlatData[float32](grads[1])
	require.Equal(t, []int{batchSize, len2, d2}, grads[1].Shape().Dimensions)
	for bIdx := range batchSize {
		for j := range len2 {
			for k2 := range d2 {
				var want float64
				for i := range len1 {
					for k1 := range dims[0] {
						for o := range outSize {
							want += x1(bIdx, i, len1, k1) * w(k1, k2, o)
						}
					}
				}
				require.InDelta(t, want, gradInput2[(bIdx*len2+j)*d2+k2], 1e-4)
			}
		}
	}

	// d/dW[k1, k2, o] = Σ_b (Σ_i x1[b, i, k1]) · (Σ_j x2[b, j, k2]).
	gradWeight := tensors.CopyFlatData[float32](grads[2])
	require.Equal(t, dims, grads[2].Shape().Dimensions)
	for k1 := range dims[0] {
		for k2 := range dims[1] {
			var want float64
			for bIdx := range batchSize {
				var sum1, sum2 float64
				for i := range len1 {
					sum1 += x1(bIdx, i, len1, k1)
				}
				for j := range len2 {
					sum2 += x2(bIdx, j, len2, k2)
				}
				want += sum1 * sum2
			}
			for o := range outSize {
				require.InDelta(t, want, gradWeight[(k1*dims[1]+k2)*outSize+o], 1e-4)
			}
		}
	}

	// d/dbias[o] = number of scores per output channel.
	require.InDeltaSlice(t, []float32{24, 24}, tensors.CopyFlatData[float32](grads[3]), 1e-4)
}
