package styletransfer

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage returns an image tensor shaped [height, width, 3] filled with value.
func testImage(height, width int, value float32) *tensors.Tensor {
	img := make([][][]float32, height)
	for y := range img {
		img[y] = make([][]float32, width)
		for x := range img[y] {
			img[y][x] = []float32{value, value, value}
		}
	}
	return tensors.FromValue(img)
}

func TestConfig(t *testing.T) {
	t.Run("reads hyperparameters from context", func(t *testing.T) {
		ctx := context.New()
		ctx.SetParams(map[string]any{
			ParamDistance:      "moments",
			ParamNumSteps:      3,
			ParamStyleWeight:   5.0,
			ParamStyleMoments:  4,
			ParamCriticLayers:  []int{2},
			ParamContentWeight: 0.5,
		})
		cfg := New(nil, ctx, testImage(4, 4, 0.5), testImage(4, 4, 0.1))
		assert.Equal(t, DistanceMoments, cfg.Args().Distance)
		assert.Equal(t, 3, cfg.Args().NumSteps)
		assert.Equal(t, 5.0, cfg.styleLossWeight)
		assert.Equal(t, 0.5, cfg.contentLossWeight)
		assert.Equal(t, 4, cfg.numMomentsForStyle)
		assert.Equal(t, []int{2}, cfg.criticLayers)
		assert.Equal(t, DefaultGPWeight, cfg.gpWeight)
		require.NoError(t, cfg.Validate())
	})

	t.Run("builder overrides context", func(t *testing.T) {
		cfg := New(nil, CreateDefaultContext(), testImage(4, 4, 0.5), testImage(4, 4, 0.1)).
			Distance(DistanceWass).
			NumSteps(11).
			LearningRate(0.2).
			DiscLearningRate(0.3).
			GradientPenaltyWeight(1).
			CriticLayers(8, 0, 1).
			ProgressWriter(nil)
		assert.Equal(t, Args{Distance: DistanceWass, LearningRate: 0.2, DiscLearningRate: 0.3, NumSteps: 11}, cfg.Args())
		assert.Equal(t, []int{0, 1}, cfg.criticLayers)
		assert.Equal(t, 8, cfg.criticHiddenDim)
		assert.Nil(t, cfg.progressWriter)
		require.NoError(t, cfg.Validate())
	})

	t.Run("validation", func(t *testing.T) {
		newCfg := func() *Config {
			return New(nil, CreateDefaultContext(), testImage(4, 4, 0.5), testImage(4, 4, 0.1))
		}
		tests := []struct {
			name    string
			cfg     *Config
			wantErr string
		}{
			{"missing style", New(nil, CreateDefaultContext(), testImage(4, 4, 0.5), nil), "both content and style"},
			{"bad rank", New(nil, CreateDefaultContext(), tensors.FromValue([]float32{1, 2}), testImage(4, 4, 0.1)), "shaped [height, width, channels]"},
			{"bad distance", newCfg().Distance("cosine"), "unknown distance"},
			{"no moments", newCfg().Distance(DistanceMoments).MomentsForStyle(0), "number of moments"},
			{"wass with different sizes", New(nil, CreateDefaultContext(), testImage(4, 4, 0.5), testImage(4, 6, 0.1)).Distance(DistanceWass),
				"same shape"},
			{"wass without critic layers", newCfg().Distance(DistanceWass).CriticLayers(8), "at least one discriminator layer"},
			{"wass without hidden dim", newCfg().Distance(DistanceWass).CriticLayers(0, 1), "hidden dimension"},
			{"negative gp weight", newCfg().Distance(DistanceWass).GradientPenaltyWeight(-1), "gradient penalty weight"},
			{"no embeddings", newCfg().Embeddings(nil), "no embeddings function"},
			{"embedding layer out of range", newCfg().EmbeddingLayers(3, InceptionV3NumLayers), "out of range"},
			{"repeated embedding layer", newCfg().EmbeddingLayers(3, 7, 3), "more than once"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tt.cfg.Validate()
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("embedding layers", func(t *testing.T) {
		ctx := CreateDefaultContext()
		ctx.SetParam(ParamEmbeddingLayers, []int{10, 2, 40})
		cfg := New(nil, ctx, testImage(4, 4, 0.5), testImage(4, 4, 0.1))
		assert.Equal(t, []int{10, 2, 40}, cfg.embeddingLayers)
		require.NotNil(t, cfg.embeddingsFn)
		require.NoError(t, cfg.Validate())

		// A custom embeddings function drops the layer selection.
		cfg.Embeddings(InceptionV3PerLayerEmbeddings)
		assert.Nil(t, cfg.embeddingLayers)

		cfg = New(nil, CreateDefaultContext(), testImage(4, 4, 0.5), testImage(4, 4, 0.1))
		assert.Empty(t, cfg.embeddingLayers)
	})

	t.Run("gram works with different image sizes", func(t *testing.T) {
		cfg := New(nil, CreateDefaultContext(), testImage(4, 4, 0.5), testImage(8, 6, 0.1))
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidateInceptionV3Layers(t *testing.T) {
	assert.NoError(t, ValidateInceptionV3Layers(nil))
	assert.NoError(t, ValidateInceptionV3Layers([]int{0, 92, 45}))
	assert.ErrorContains(t, ValidateInceptionV3Layers([]int{-1}), "out of range")
	assert.ErrorContains(t, ValidateInceptionV3Layers([]int{93}), "out of range")
	assert.ErrorContains(t, ValidateInceptionV3Layers([]int{5, 5}), "more than once")
	assert.Equal(t, "inceptionV3/conv_007/output", inceptionV3LayerAlias(7))
}
