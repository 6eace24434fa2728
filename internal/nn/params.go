// Package nn implements reusable neural-network building blocks on top of GoMLX:
// Biaffine (pairwise bilinear scoring), Embedding/Embed (lookup tables) and MLP (feed-forward stacks).
//
// Each layer owns its GoMLX variables explicitly, created in the scope of the context given at
// construction. The graph building is done by the Forward methods, everything numerically
// significant (autodiff, kernels, device placement) is left to GoMLX.
package nn

import (
	"hash/fnv"
	"math/rand"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// ParamSeed is the context hyperparameter used to seed the random initialization of the layers.
// Each variable gets its own generator derived from the seed and the variable scope, so two layers
// created in different scopes don't share values.
const ParamSeed = "rng_seed"

// DefaultSeed is used if ParamSeed is not set in the context.
const DefaultSeed = 42

// newRand returns the random number generator for variables created in the current scope of ctx.
func newRand(ctx *context.Context) *rand.Rand {
	seed := context.GetParamOr(ctx, ParamSeed, DefaultSeed)
	return rand.New(rand.NewSource(scopedSeed(int64(seed), ctx.Scope())))
}

// scopedSeed mixes the seed with the scope name.
func scopedSeed(seed int64, scope string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(scope))
	return seed ^ int64(h.Sum64())
}

// variableOrNew returns the variable called name in the current scope of ctx, if it already exists
// (e.g.: loaded from a checkpoint), or creates a new zero-valued one otherwise.
//
// created reports whether the variable was just created, in which case the caller is expected to
// initialize it.
func variableOrNew(ctx *context.Context, name string, shape shapes.Shape) (v *context.Variable, created bool, err error) {
	v = ctx.InspectVariable(ctx.Scope(), name)
	if v != nil {
		if !v.Shape().Equal(shape) {
			return nil, false, errors.Errorf("variable %q in scope %q has shape %s, but %s was expected",
				name, ctx.Scope(), v.Shape(), shape)
		}
		return v, false, nil
	}
	v = ctx.VariableWithValue(name, tensors.FromShape(shape))
	return v, true, nil
}

// fillUniform sets every element of the float32 variable v independently from U[-bound, bound].
func fillUniform(v *context.Variable, rng *rand.Rand, bound float32) {
	t := tensors.FromShape(v.Shape())
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = (2*rng.Float32() - 1) * bound
		}
	})
	v.SetValue(t)
}

// checkPositive returns an error if the named size is not positive.
func checkPositive(layer, name string, value int) error {
	if value <= 0 {
		return errors.Errorf("%s: %s must be > 0, got %d", layer, name, value)
	}
	return nil
}

// checkDropout validates a dropout rate.
func checkDropout(layer string, rate float64) error {
	if rate < 0 || rate >= 1 {
		return errors.Errorf("%s: dropout rate must be in [0, 1), got %g", layer, rate)
	}
	return nil
}
