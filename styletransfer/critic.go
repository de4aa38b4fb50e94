package styletransfer

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

// CriticScope is the context scope holding the variables of the discriminator.
const CriticScope = "critic"

// gradientNormEpsilon keeps the norm of the gradients differentiable at 0.
const gradientNormEpsilon = 1e-12

// criticLeakyReluAlpha is the slope of the negative side of the discriminator activations.
const criticLeakyReluAlpha = 0.2

// embeddingSamples reshapes an embedding layer [1, height, width, numChannels] to the samples seen by the
// discriminator: [height*width, numChannels].
func embeddingSamples(layer *Node) *Node {
	return Reshape(layer, -1, layer.Shape().Dim(-1))
}

// criticGraph scores each sample of features shaped [numSamples, numChannels], returning [numSamples, 1].
// Higher scores mean the sample looks more like it came from the style image.
func criticGraph(ctx *context.Context, features *Node, hiddenDim int) *Node {
	x := layers.Dense(ctx.In("hidden"), features, true, hiddenDim)
	x = Max(x, MulScalar(x, criticLeakyReluAlpha))
	return layers.Dense(ctx.In("output"), x, true, 1)
}

// criticLayerScope returns the scope of the discriminator for the given embedding layer.
func criticLayerScope(ctx *context.Context, layerIdx int) *context.Context {
	return ctx.In(CriticScope).In(fmt.Sprintf("layer_%03d", layerIdx)).Checked(false)
}

// checkCriticLayers panics if any of the layers selected for the discriminator doesn't exist.
func checkCriticLayers(criticLayers []int, numLayers int) {
	if len(criticLayers) == 0 {
		exceptions.Panicf("distance %q requires at least one layer for the discriminator", DistanceWass)
	}
	for _, layerIdx := range criticLayers {
		if layerIdx < 0 || layerIdx >= numLayers {
			exceptions.Panicf("discriminator layer %d out of range, there are only %d embedding layers",
				layerIdx, numLayers)
		}
	}
}

// wassersteinDistance estimates the Wasserstein distance between the embeddings of the generated image (xLayers)
// and of the style image (styleLayers), using the discriminator on each of criticLayers:
// mean(critic(style)) - mean(critic(generated)), averaged over the layers.
func wassersteinDistance(ctx *context.Context, xLayers, styleLayers []*Node, criticLayers []int, hiddenDim int) *Node {
	checkCriticLayers(criticLayers, len(xLayers))
	return meanOfLayers(len(criticLayers), func(ii int) *Node {
		layerIdx := criticLayers[ii]
		criticCtx := criticLayerScope(ctx, layerIdx)
		xScores := criticGraph(criticCtx, embeddingSamples(xLayers[layerIdx]), hiddenDim)
		styleScores := criticGraph(criticCtx, embeddingSamples(styleLayers[layerIdx]), hiddenDim)
		return Sub(ReduceAllMean(styleScores), ReduceAllMean(xScores))
	})
}

// gradientPenalty of the discriminator as in "Improved Training of Wasserstein GANs" (Gulrajani et al. 2017):
// the mean of (‖∇critic(x̂)‖₂ - 1)² over samples x̂ randomly interpolated between the generated and
// style embeddings, averaged over criticLayers.
//
// It requires the generated and style images to have the same dimensions.
func gradientPenalty(ctx *context.Context, xLayers, styleLayers []*Node, criticLayers []int, hiddenDim int) *Node {
	checkCriticLayers(criticLayers, len(xLayers))
	g := xLayers[0].Graph()
	return meanOfLayers(len(criticLayers), func(ii int) *Node {
		layerIdx := criticLayers[ii]
		criticCtx := criticLayerScope(ctx, layerIdx)
		xSamples := embeddingSamples(xLayers[layerIdx])
		styleSamples := embeddingSamples(styleLayers[layerIdx])
		if !xSamples.Shape().Equal(styleSamples.Shape()) {
			exceptions.Panicf("gradient penalty requires generated and style embeddings of the same shape, "+
				"got %s and %s for layer %d", xSamples.Shape(), styleSamples.Shape(), layerIdx)
		}
		numSamples := xSamples.Shape().Dim(0)
		alpha := ctx.RandomUniform(g, shapes.Make(xSamples.DType(), numSamples, 1))
		interpolated := Add(Mul(alpha, styleSamples), Mul(OneMinus(alpha), xSamples))
		scores := criticGraph(criticCtx, interpolated, hiddenDim)
		grad := Gradient(ReduceAllSum(scores), interpolated)[0]
		norm := Sqrt(AddScalar(ReduceSum(Square(grad), 1), gradientNormEpsilon))
		return ReduceAllMean(Square(AddScalar(norm, -1)))
	})
}

// criticVariables returns all variables of the discriminator created so far.
func criticVariables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	ctx.In(CriticScope).EnumerateVariablesInScope(func(v *context.Variable) {
		vars = append(vars, v)
	})
	return vars
}
