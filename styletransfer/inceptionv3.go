package styletransfer

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/models/inceptionv3"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// EmbeddingsFn creates the per-layer embeddings of each of the images, each image shaped [height, width, 3]
// with values from 0.0 to 1.0.
//
// It returns one slice per image, with one embedding per layer shaped [1, layerHeight, layerWidth, numChannels].
// All images must yield the same number of layers.
type EmbeddingsFn func(ctx *context.Context, images []*Node) [][]*Node

var (
	// InceptionV3Dir is where to cache the InceptionV3 model weights.
	// They will be downloaded there the first time it runs.
	InceptionV3Dir = "~/.cache/inceptionv3"

	// InceptionV3NumLayers is the number of convolution layers exposed by the InceptionV3 model.
	InceptionV3NumLayers = 93
)

// inceptionV3Scope is where the frozen InceptionV3 weights are loaded in the context.
const inceptionV3Scope = "inceptionv3"

// InceptionV3Resize interpolates the image(s) to the classification size of InceptionV3.
// It accepts a single image shaped [height, width, 3] or a batch of them.
func InceptionV3Resize(img *Node) *Node {
	size := inceptionv3.ClassificationImageSize
	if img.Rank() == 3 {
		return Squeeze(InceptionV3Resize(ExpandAxes(img, 0)), 0)
	}
	dims := img.Shape().Dimensions
	return Interpolate(img, dims[0], size, size, dims[3]).Done()
}

// InceptionV3ResizeTensor is InceptionV3Resize for materialized tensors.
func InceptionV3ResizeTensor(backend backends.Backend, img *tensors.Tensor) *tensors.Tensor {
	return ExecOnce(backend, InceptionV3Resize, img)
}

// ValidateInceptionV3Layers checks that layers are distinct indices of InceptionV3 convolution layers.
func ValidateInceptionV3Layers(layers []int) error {
	seen := make(map[int]bool, len(layers))
	for _, layer := range layers {
		if layer < 0 || layer >= InceptionV3NumLayers {
			return errors.Errorf("InceptionV3 layer %d out of range, it has layers 0 to %d",
				layer, InceptionV3NumLayers-1)
		}
		if seen[layer] {
			return errors.Errorf("InceptionV3 layer %d selected more than once", layer)
		}
		seen[layer] = true
	}
	return nil
}

// InceptionV3Embeddings returns an EmbeddingsFn that uses a frozen pre-trained InceptionV3 model, with
// weights cached in InceptionV3Dir.
//
// The embeddings of each image are the outputs of the given convolution layers, in the order given.
// With no layers, it returns all InceptionV3NumLayers of them, from the closest to the image to the closest
// to the output of the model. Indices of discriminator layers (see ParamCriticLayers) refer to the
// position in the returned embeddings, not to the InceptionV3 layer number.
//
// Invalid layers (see ValidateInceptionV3Layers) panic when the graph is built.
func InceptionV3Embeddings(layers ...int) EmbeddingsFn {
	if len(layers) == 0 {
		layers = make([]int, InceptionV3NumLayers)
		for ii := range layers {
			layers[ii] = ii
		}
	}
	return func(ctx *context.Context, images []*Node) [][]*Node {
		must.M(ValidateInceptionV3Layers(layers))
		must.M(inceptionv3.DownloadAndUnpackWeights(InceptionV3Dir))
		ctx = ctx.In(inceptionV3Scope).Checked(false)
		embeddings := make([][]*Node, len(images))
		for ii, img := range images {
			embeddings[ii] = inceptionV3LayersGraph(ctx, img, ii, layers)
		}
		return embeddings
	}
}

// InceptionV3PerLayerEmbeddings is the EmbeddingsFn with all the InceptionV3 layers.
func InceptionV3PerLayerEmbeddings(ctx *context.Context, images []*Node) [][]*Node {
	return InceptionV3Embeddings()(ctx, images)
}

// inceptionV3LayersGraph runs InceptionV3 on one image, and returns the output of the selected layers.
// The graph is built under an alias scope per image, so the layers of each image can be told apart.
func inceptionV3LayersGraph(ctx *context.Context, img *Node, imgIdx int, layers []int) []*Node {
	g := img.Graph()
	g.PushAliasScope(fmt.Sprintf("img_%d", imgIdx))
	defer g.PopAliasScope()

	// InceptionV3 was trained with values from -1.0 to 1.0: it is shrunk by 0.9 to leave some head room.
	img = MulScalar(AddScalar(MulScalar(img, 2.0), -1), 0.9)
	_ = inceptionv3.BuildGraph(ctx, ExpandAxes(img, 0)).
		WithAliases(true).
		Trainable(false).
		PreTrained(InceptionV3Dir).
		Done()

	outputs := make([]*Node, len(layers))
	for ii, layer := range layers {
		outputs[ii] = g.GetNodeByAlias(inceptionV3LayerAlias(layer))
		if outputs[ii] == nil {
			exceptions.Panicf("couldn't find layer #%d for InceptionV3 (alias %q)", layer, inceptionV3LayerAlias(layer))
		}
	}
	return outputs
}

// inceptionV3LayerAlias is the alias, relative to the current alias scope, of the output of a convolution layer.
func inceptionV3LayerAlias(layer int) string {
	return fmt.Sprintf("inceptionV3/conv_%03d/output", layer)
}
