// Package styletransfer implements StyleTransfer with an optional adversarial style distance.
//
// It supports:
//
//   - "A Neural Algorithm of Artistic Style" 2015 Gatys, Ecker & Bethge [https://arxiv.org/abs/1508.06576]
//     implementation, matching Gram matrices of the embeddings (DistanceGram), or matching the moments of
//     the embeddings distributions (DistanceMoments).
//   - An adversarial style distance (DistanceWass): a discriminator (critic) is trained in alternation with
//     the generated image to estimate the Wasserstein distance between the embeddings of the generated and
//     style images, regularized with a gradient penalty ("Improved Training of Wasserstein GANs", 2017,
//     Gulrajani et al. [https://arxiv.org/abs/1704.00028]).
//   - The optimization loop itself (Optimize) works over any Trainer, Model being the GoMLX one.
//   - UI: a progress bar while transferring, DisplayImages on a Jupyter notebook using
//     github.com/janpfeifer/gonb/gonbui, and PlotLosses to chart the losses.
//   - I/O: LoadScaledImages, SaveImage and LoadParamsFile for hyperparameters.
package styletransfer

import (
	"io"
	"os"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config for style transfer. Create is with New, and when finished configuring execute Config.Transfer to
// run the style transfer.
type Config struct {
	backend                            backends.Backend
	ctx                                *context.Context
	content, style                     *tensors.Tensor
	args                               Args
	contentLossWeight, styleLossWeight float64
	gpWeight                           float64
	criticLayers                       []int
	criticHiddenDim                    int
	numMomentsForStyle                 int
	embeddingLayers                    []int
	embeddingsFn                       EmbeddingsFn
	progressWriter                     io.Writer
}

// New creates a style transfer configuration object: it takes as input the content image,
// the style image as tensors (color values from 0 to 1) and a context ctx with hyperparameters
// and used to create the style transfer model and the generated image.
//
// You can further configure the style transfer, and when done, call Config.Transfer to get execute the style transfer
// and get the generated image back.
//
// The context given can be saved (checkpoints), and later loaded in case you want to run more steps on the image.
func New(backend backends.Backend, ctx *context.Context, content, style *tensors.Tensor) *Config {
	cfg := &Config{
		backend:            backend,
		ctx:                ctx,
		content:            content,
		style:              style,
		args:               ArgsFromContext(ctx),
		contentLossWeight:  context.GetParamOr(ctx, ParamContentWeight, DefaultContentWeight),
		styleLossWeight:    context.GetParamOr(ctx, ParamStyleWeight, DefaultStyleWeight),
		gpWeight:           context.GetParamOr(ctx, ParamGPWeight, DefaultGPWeight),
		criticLayers:       context.GetParamOr(ctx, ParamCriticLayers, slices.Clone(DefaultCriticLayers)),
		criticHiddenDim:    context.GetParamOr(ctx, ParamCriticHiddenDim, DefaultCriticHiddenDim),
		numMomentsForStyle: context.GetParamOr(ctx, ParamStyleMoments, DefaultStyleMoments),
		embeddingsFn:       InceptionV3PerLayerEmbeddings,
		progressWriter:     os.Stderr,
	}
	if layers := context.GetParamOr(ctx, ParamEmbeddingLayers, []int{}); len(layers) > 0 {
		cfg.EmbeddingLayers(layers...)
	}
	return cfg
}

// ContentLossWeight sets the weight to use when matching the content image.
// In the original paper it is called "alpha".
func (cfg *Config) ContentLossWeight(weight float64) *Config {
	cfg.contentLossWeight = weight
	return cfg
}

// StyleLossWeight sets the weight to use when matching the style image.
// In the original paper it is called "beta".
func (cfg *Config) StyleLossWeight(weight float64) *Config {
	cfg.styleLossWeight = weight
	return cfg
}

// NumSteps configures the number of steps to take during the style transfer.
//
// It defaults to the hyperparameter "num_steps", or if that is not set, defaults to 1000.
func (cfg *Config) NumSteps(numSteps int) *Config {
	cfg.args.NumSteps = numSteps
	return cfg
}

// Distance selects how the style is matched. Default is DistanceGram.
func (cfg *Config) Distance(distance Distance) *Config {
	cfg.args.Distance = distance
	return cfg
}

// LearningRate of the Adam optimizer of the generated image.
func (cfg *Config) LearningRate(lr float64) *Config {
	cfg.args.LearningRate = lr
	return cfg
}

// DiscLearningRate of the Adam optimizer of the discriminator. Only used with DistanceWass.
func (cfg *Config) DiscLearningRate(lr float64) *Config {
	cfg.args.DiscLearningRate = lr
	return cfg
}

// GradientPenaltyWeight sets the weight of the gradient penalty on the discriminator loss.
func (cfg *Config) GradientPenaltyWeight(weight float64) *Config {
	cfg.gpWeight = weight
	return cfg
}

// CriticLayers sets the indices of the embedding layers the discriminator looks at, and the size
// of the hidden layer of each per-layer discriminator.
func (cfg *Config) CriticLayers(hiddenDim int, layers ...int) *Config {
	cfg.criticHiddenDim = hiddenDim
	cfg.criticLayers = layers
	return cfg
}

// MomentsForStyle sets the number of moments of the distribution of the embeddings used with DistanceMoments:
// 1=mean, 2=mean+variance, 3=mean+variance+skew, etc.
func (cfg *Config) MomentsForStyle(numMoments int) *Config {
	cfg.numMomentsForStyle = numMoments
	return cfg
}

// Embeddings sets the function used to create the per-layer embeddings of the images.
// It defaults to InceptionV3PerLayerEmbeddings.
func (cfg *Config) Embeddings(fn EmbeddingsFn) *Config {
	cfg.embeddingsFn = fn
	cfg.embeddingLayers = nil
	return cfg
}

// EmbeddingLayers selects the InceptionV3 layers used as embeddings, see InceptionV3Embeddings.
// It replaces any function set with Embeddings.
func (cfg *Config) EmbeddingLayers(layers ...int) *Config {
	cfg.embeddingLayers = slices.Clone(layers)
	cfg.embeddingsFn = InceptionV3Embeddings(cfg.embeddingLayers...)
	return cfg
}

// ProgressWriter sets where to display the progress bar. Defaults to os.Stderr, and if set to nil no
// progress bar is displayed.
func (cfg *Config) ProgressWriter(w io.Writer) *Config {
	cfg.progressWriter = w
	return cfg
}

// Args returns the arguments for the optimization loop.
func (cfg *Config) Args() Args {
	return cfg.args
}

// Validate the configuration.
func (cfg *Config) Validate() error {
	if err := cfg.args.Validate(); err != nil {
		return err
	}
	if cfg.content == nil || cfg.style == nil {
		return errors.New("both content and style images must be given")
	}
	if cfg.content.Rank() != 3 || cfg.style.Rank() != 3 {
		return errors.Errorf("images must be shaped [height, width, channels], got content=%s and style=%s",
			cfg.content.Shape(), cfg.style.Shape())
	}
	if cfg.embeddingsFn == nil {
		return errors.New("no embeddings function configured")
	}
	if err := ValidateInceptionV3Layers(cfg.embeddingLayers); err != nil {
		return err
	}
	switch cfg.args.Distance {
	case DistanceMoments:
		if cfg.numMomentsForStyle < 1 {
			return errors.Errorf("number of moments for style must be >= 1, got %d", cfg.numMomentsForStyle)
		}
	case DistanceWass:
		if !cfg.content.Shape().Equal(cfg.style.Shape()) {
			return errors.Errorf("distance %q requires content and style images of the same shape, got %s and %s",
				DistanceWass, cfg.content.Shape(), cfg.style.Shape())
		}
		if len(cfg.criticLayers) == 0 {
			return errors.Errorf("distance %q requires at least one discriminator layer", DistanceWass)
		}
		if cfg.criticHiddenDim < 1 {
			return errors.Errorf("discriminator hidden dimension must be >= 1, got %d", cfg.criticHiddenDim)
		}
		if cfg.gpWeight < 0 {
			return errors.Errorf("gradient penalty weight must be >= 0, got %g", cfg.gpWeight)
		}
	}
	return nil
}

// Transfer style and returns the newly generated new image, along with the losses of each step.
// It can be called multiple times, each time continues with the generated image from
// where the previous one left of.
//
// If the transfer fails midway, the image generated so far is returned along with the error.
func (cfg *Config) Transfer() (generated *tensors.Tensor, losses Losses, err error) {
	model, err := NewModel(cfg)
	if err != nil {
		return nil, nil, err
	}
	var progress Progress
	if cfg.progressWriter != nil {
		progress = NewProgressBar(cfg.progressWriter, cfg.args.NumSteps)
	}
	klog.V(1).Infof("Style transfer: distance=%s, steps=%d, lr=%g", cfg.args.Distance, cfg.args.NumSteps, cfg.args.LearningRate)
	losses, err = Optimize(cfg.args, model, progress)
	imgErr := exceptions.TryCatch[error](func() { generated = model.Image() })
	if err == nil {
		err = imgErr
	}
	if err == nil {
		klog.V(1).Infof("Style transfer finished: %s", losses.Summary())
	}
	return
}
