//go:build xla

// Tests that execute graphs need the XLA backend (PJRT plugin and the xlabuilder library installed):
//
//	go test -tags=xla ./...
package styletransfer

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/models/inceptionv3"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func newTestBackend(t *testing.T) backends.Backend {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil {
		t.Skipf("No GoMLX backend available: %v", err)
	}
	return backend
}

// tinyEmbeddings is a cheap EmbeddingsFn with two layers: the image itself and a non-linear function of it.
func tinyEmbeddings(_ *context.Context, images []*Node) [][]*Node {
	embeddings := make([][]*Node, len(images))
	for ii, img := range images {
		img = ExpandAxes(img, 0)
		embeddings[ii] = []*Node{img, Tanh(MulScalar(AddScalar(img, -0.5), 3))}
	}
	return embeddings
}

// gradientImage returns an image shaped [height, width, 3] whose values vary with the position.
func gradientImage(height, width int, offset float32) *tensors.Tensor {
	img := make([][][]float32, height)
	for y := range img {
		img[y] = make([][]float32, width)
		for x := range img[y] {
			v := offset + float32(x+y)/float32(height+width)
			img[y][x] = []float32{v, 1 - v, v * v}
		}
	}
	return tensors.FromValue(img)
}

func requireValidPixels(t *testing.T, img *tensors.Tensor) {
	values := img.Value().([][][]float32)
	for _, row := range values {
		for _, pixel := range row {
			for _, channel := range pixel {
				require.GreaterOrEqual(t, channel, float32(0))
				require.LessOrEqual(t, channel, float32(1))
			}
		}
	}
}

func TestGramMatrix(t *testing.T) {
	backend := newTestBackend(t)
	// 2 pixels, 2 channels.
	img := tensors.FromValue([][][]float32{{{1, 2}, {3, 4}}})
	gram := ExecOnce(backend, gramMatrix, img)
	assert.Equal(t, [][]float32{{10, 14}, {14, 20}}, gram.Value())
}

func TestChannelMoments(t *testing.T) {
	backend := newTestBackend(t)
	img := tensors.FromValue([][][]float32{{{1, 5}, {3, 5}}})
	outputs := ExecOnceN(backend, func(img *Node) []*Node {
		return channelMoments(img, 3)
	}, img)
	require.Len(t, outputs, 3)
	assert.Equal(t, []float32{2, 5}, outputs[0].Value())
	assert.Equal(t, []float32{1, 0}, outputs[1].Value())
	// Symmetric distribution: no skew.
	assert.InDeltaSlice(t, []float32{0, 0}, outputs[2].Value(), 1e-4)
}

func TestModelTransfer(t *testing.T) {
	backend := newTestBackend(t)
	for _, distance := range []Distance{DistanceGram, DistanceMoments, DistanceWass} {
		t.Run(string(distance), func(t *testing.T) {
			ctx := CreateDefaultContext()
			const numSteps = 4
			cfg := New(backend, ctx, gradientImage(6, 6, 0), gradientImage(6, 6, 0.3)).
				Embeddings(tinyEmbeddings).
				Distance(distance).
				NumSteps(numSteps).
				LearningRate(0.5).
				DiscLearningRate(0.01).
				CriticLayers(4, 0, 1).
				ProgressWriter(nil)

			generated, losses, err := cfg.Transfer()
			require.NoError(t, err)
			require.NotNil(t, generated)
			assert.Equal(t, []int{6, 6, 3}, generated.Shape().Dimensions)
			requireValidPixels(t, generated)

			wantKeys := []string{LossStyle, LossContent}
			if distance == DistanceWass {
				wantKeys = append(wantKeys, LossDisc, LossGP)
			}
			assert.Equal(t, wantKeys, losses.Keys())
			for _, key := range wantKeys {
				assert.Len(t, losses[key], numSteps, "history of %q", key)
			}
			// The generated image starts as the content image.
			assert.InDelta(t, 0.0, losses[LossContent][0], 1e-6)

			model, err := NewModel(cfg)
			require.NoError(t, err)
			if distance == DistanceWass {
				assert.NotEmpty(t, model.DiscVariables())
			} else {
				assert.Empty(t, model.DiscVariables())
			}

			// A second transfer continues from the generated image.
			_, losses2, err := cfg.NumSteps(1).Transfer()
			require.NoError(t, err)
			assert.Greater(t, losses2[LossContent][0], 0.0)
		})
	}
}

func TestModelClampImage(t *testing.T) {
	backend := newTestBackend(t)
	ctx := CreateDefaultContext()
	content := tensors.FromValue([][][]float32{{{-0.5, 0.5, 1.5}}})
	cfg := New(backend, ctx, content, testImage(1, 1, 0.5)).Embeddings(tinyEmbeddings)
	model, err := NewModel(cfg)
	require.NoError(t, err)
	require.NoError(t, model.ClampImage())
	assert.Equal(t, [][][]float32{{{0, 0.5, 1}}}, model.imageVar.Value().Value())
}

func TestModelDiscStepRequiresWass(t *testing.T) {
	backend := newTestBackend(t)
	cfg := New(backend, CreateDefaultContext(), testImage(2, 2, 0.5), testImage(2, 2, 0.1)).
		Embeddings(tinyEmbeddings)
	model, err := NewModel(cfg)
	require.NoError(t, err)
	imageOpt, _ := NewOptimizers(cfg.Args())
	_, _, err = model.DiscStep(imageOpt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no discriminator")
}

// maxAbsDiff returns the largest absolute difference between the values of two equally shaped tensors.
func maxAbsDiff(backend backends.Backend, a, b *tensors.Tensor) float64 {
	return scalarValue(ExecOnce(backend, func(a, b *Node) *Node {
		return ReduceAllMax(Abs(Sub(a, b)))
	}, a, b))
}

func cloneTensor(t *tensors.Tensor) *tensors.Tensor {
	c := tensors.FromShape(t.Shape())
	c.CopyFrom(t)
	return c
}

// countOutOfRange returns how many values of img are outside of [0, 1].
func countOutOfRange(img *tensors.Tensor) int {
	count := 0
	for _, row := range img.Value().([][][]float32) {
		for _, pixel := range row {
			for _, channel := range pixel {
				if channel < 0 || channel > 1 {
					count++
				}
			}
		}
	}
	return count
}

func TestModelLearningRates(t *testing.T) {
	backend := newTestBackend(t)
	const imageLR, discLR = 2.0, 0.001
	ctx := CreateDefaultContext()
	// A global learning rate must be ignored by both optimizers.
	ctx.SetParam(optimizers.ParamLearningRate, 0.3)
	cfg := New(backend, ctx, gradientImage(6, 6, 0), gradientImage(6, 6, 0.3)).
		Embeddings(tinyEmbeddings).
		Distance(DistanceWass).
		LearningRate(imageLR).
		DiscLearningRate(discLR).
		CriticLayers(4, 0, 1)
	model, err := NewModel(cfg)
	require.NoError(t, err)
	imageOpt, discOpt := NewOptimizers(cfg.Args())

	// The first discriminator step creates the critic, the second one is measured.
	_, _, err = model.DiscStep(discOpt)
	require.NoError(t, err)
	discVars := model.DiscVariables()
	require.NotEmpty(t, discVars)
	before := make([]*tensors.Tensor, len(discVars))
	for ii, v := range discVars {
		before[ii] = cloneTensor(v.Value())
	}
	imageBefore := cloneTensor(model.imageVar.Value())
	_, _, err = model.DiscStep(discOpt)
	require.NoError(t, err)
	var maxDiscChange float64
	for ii, v := range discVars {
		maxDiscChange = max(maxDiscChange, maxAbsDiff(backend, before[ii], v.Value()))
	}
	// Adam moves each variable by at most ~learning rate per step.
	assert.Greater(t, maxDiscChange, 0.0)
	assert.LessOrEqual(t, maxDiscChange, 1.5*discLR)
	assert.Equal(t, 0.0, maxAbsDiff(backend, imageBefore, model.imageVar.Value()),
		"discriminator step changed the generated image")

	// One image update with imageLR=2 pushes every moved pixel out of [0, 1] before clamping.
	_, _, err = model.StyleContentStep(imageOpt)
	require.NoError(t, err)
	imageChange := maxAbsDiff(backend, imageBefore, model.imageVar.Value())
	assert.Greater(t, imageChange, 1.0)
	assert.LessOrEqual(t, imageChange, 1.01*imageLR)
	assert.Greater(t, countOutOfRange(model.imageVar.Value()), 0)

	require.NoError(t, model.ClampImage())
	assert.Equal(t, 0, countOutOfRange(model.imageVar.Value()))
	requireValidPixels(t, model.Image())

	// Each optimizer keeps its own learning rate variable.
	for scope, want := range map[string]float64{ImageOptimizerScope: imageLR, CriticOptimizerScope: discLR} {
		lrVar := ctx.In(scope).In(optimizers.Scope).GetVariable(optimizers.ParamLearningRate)
		require.NotNil(t, lrVar, "learning rate variable of scope %q", scope)
		assert.InDelta(t, want, float64(lrVar.Value().Value().(float32)), 1e-7, "scope %q", scope)
	}
}

func TestInceptionV3Resize(t *testing.T) {
	backend := newTestBackend(t)
	size := inceptionv3.ClassificationImageSize
	img := InceptionV3ResizeTensor(backend, testImage(10, 12, 0.5))
	assert.Equal(t, []int{size, size, 3}, img.Shape().Dimensions)
	requireValidPixels(t, img)

	batch := ExecOnce(backend, InceptionV3Resize, tensors.FromShape(shapes.Make(dtypes.Float32, 2, 5, 7, 3)))
	assert.Equal(t, []int{2, size, size, 3}, batch.Shape().Dimensions)
}
