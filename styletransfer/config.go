package styletransfer

import (
	"os"
	"slices"
	"sort"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	// ParamNumSteps is the hyperparameter that defines the number of steps to execute for transfer.
	// Defaults to 1000.
	ParamNumSteps = "num_steps"

	// ParamContentWeight is the weight on which to match the content image. Also known as the "alpha" parameter.
	ParamContentWeight = "content_weight"

	// ParamStyleWeight is the weight on which to match the style image. Also known as the "beta" parameter.
	ParamStyleWeight = "style_weight"

	// ParamDistance selects how the style is matched: one of "gram", "moments" or "wass". See Distance.
	ParamDistance = "distance"

	// ParamLearningRate is the learning rate of the optimizer of the generated image.
	// It is named differently from optimizers.ParamLearningRate, which would otherwise apply to both optimizers.
	ParamLearningRate = "image_learning_rate"

	// ParamDiscLearningRate is the learning rate of the optimizer of the discriminator, only used with DistanceWass.
	ParamDiscLearningRate = "disc_learning_rate"

	// ParamGPWeight is the weight of the gradient penalty in the discriminator loss. Also known as "lambda".
	ParamGPWeight = "gp_weight"

	// ParamCriticLayers are the indices of the embedding layers the discriminator looks at.
	ParamCriticLayers = "critic_layers"

	// ParamCriticHiddenDim is the size of the hidden layer of each per-layer discriminator.
	ParamCriticHiddenDim = "critic_hidden_dim"

	// ParamEmbeddingLayers selects the InceptionV3 layers used as embeddings, in order. Empty selects all of them.
	ParamEmbeddingLayers = "embedding_layers"

	// ParamStyleMoments is the number of moments matched with DistanceMoments (1=mean, 2=+variance, 3=+skew, ...).
	ParamStyleMoments = "style_moments"
)

// Default values of the hyperparameters.
const (
	DefaultNumSteps         = 1000
	DefaultContentWeight    = 1.0
	DefaultStyleWeight      = 1.0e4
	DefaultLearningRate     = 0.01
	DefaultDiscLearningRate = 1.0e-3
	DefaultGPWeight         = 10.0
	DefaultCriticHiddenDim  = 64
	DefaultStyleMoments     = 2
)

// DefaultCriticLayers are the embedding layers used by the discriminator if none is configured.
var DefaultCriticLayers = []int{4, 9, 16, 28, 40}

// Distance is how the style of the generated image is compared to the style image.
type Distance string

const (
	// DistanceGram compares the Gram matrices of the embeddings, as in Gatys et al.
	DistanceGram Distance = "gram"

	// DistanceMoments compares the first moments of the distribution of the embeddings.
	DistanceMoments Distance = "moments"

	// DistanceWass uses a discriminator (critic) trained in alternation with the image to
	// estimate the Wasserstein distance between the embeddings of the generated and style images.
	DistanceWass Distance = "wass"
)

// Valid returns whether d is one of the known distances.
func (d Distance) Valid() bool {
	switch d {
	case DistanceGram, DistanceMoments, DistanceWass:
		return true
	}
	return false
}

// Args configure the optimization loop run by Optimize.
type Args struct {
	Distance         Distance
	LearningRate     float64
	DiscLearningRate float64
	NumSteps         int
}

// Adversarial returns whether a discriminator is trained along with the image.
func (args Args) Adversarial() bool {
	return args.Distance == DistanceWass
}

// Validate returns an error if any of the arguments is out of range.
func (args Args) Validate() error {
	if !args.Distance.Valid() {
		return errors.Errorf("unknown distance %q, valid values are %q, %q or %q",
			args.Distance, DistanceGram, DistanceMoments, DistanceWass)
	}
	if args.NumSteps < 0 {
		return errors.Errorf("number of steps must be >= 0, got %d", args.NumSteps)
	}
	if args.LearningRate <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", args.LearningRate)
	}
	if args.Adversarial() && args.DiscLearningRate <= 0 {
		return errors.Errorf("discriminator learning rate must be > 0 for distance %q, got %g",
			args.Distance, args.DiscLearningRate)
	}
	return nil
}

// ArgsFromContext reads the loop arguments from the hyperparameters in ctx, using the defaults for
// those not set.
func ArgsFromContext(ctx *context.Context) Args {
	return Args{
		Distance:         Distance(context.GetParamOr(ctx, ParamDistance, string(DistanceGram))),
		LearningRate:     context.GetParamOr(ctx, ParamLearningRate, DefaultLearningRate),
		DiscLearningRate: context.GetParamOr(ctx, ParamDiscLearningRate, DefaultDiscLearningRate),
		NumSteps:         context.GetParamOr(ctx, ParamNumSteps, DefaultNumSteps),
	}
}

// paramKind is the Go type expected for each known hyperparameter.
type paramKind int

const (
	kindFloat paramKind = iota
	kindInt
	kindString
	kindInts
)

var knownParams = map[string]paramKind{
	ParamNumSteps:         kindInt,
	ParamContentWeight:    kindFloat,
	ParamStyleWeight:      kindFloat,
	ParamDistance:         kindString,
	ParamLearningRate:     kindFloat,
	ParamDiscLearningRate: kindFloat,
	ParamGPWeight:         kindFloat,
	ParamCriticLayers:     kindInts,
	ParamCriticHiddenDim:  kindInt,
	ParamStyleMoments:     kindInt,
	ParamEmbeddingLayers:  kindInts,
}

// LoadParamsFile reads a YAML file with a flat mapping of hyperparameter names to values, and sets them in ctx.
//
// Known hyperparameters (the Param* constants) are converted to the type they are read with, so an integer
// given for "image_learning_rate" becomes a float64. Unknown names are set as decoded, so settings of other
// components (e.g. optimizers) can also be given.
//
// It returns the names of the hyperparameters set, sorted.
func LoadParamsFile(ctx *context.Context, path string) ([]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read parameters file %s", path)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(contents, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to parse parameters file %s", path)
	}
	names := make([]string, 0, len(raw))
	for name, value := range raw {
		if kind, found := knownParams[name]; found {
			value, err = convertParam(kind, value)
			if err != nil {
				return nil, errors.WithMessagef(err, "parameter %q in %s", name, path)
			}
		}
		ctx.SetParam(name, value)
		names = append(names, name)
	}
	sort.Strings(names)
	klog.V(1).Infof("Loaded hyperparameters %v from %s", names, path)
	return names, nil
}

func convertParam(kind paramKind, value any) (any, error) {
	switch kind {
	case kindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		}
	case kindInt:
		if v, ok := value.(int); ok {
			return v, nil
		}
	case kindString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case kindInts:
		list, ok := value.([]any)
		if !ok {
			break
		}
		ints := make([]int, len(list))
		for ii, elem := range list {
			v, ok := elem.(int)
			if !ok {
				return nil, errors.Errorf("expected a list of integers, got element %v (%T)", elem, elem)
			}
			ints[ii] = v
		}
		return ints, nil
	}
	return nil, errors.Errorf("unexpected value %v (%T)", value, value)
}

// CreateDefaultContext returns a new context with all the hyperparameters set to their default values.
//
// Setting the defaults explicitly allows the command-line settings to parse values to the right types.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumSteps:         DefaultNumSteps,
		ParamContentWeight:    DefaultContentWeight,
		ParamStyleWeight:      DefaultStyleWeight,
		ParamDistance:         string(DistanceGram),
		ParamLearningRate:     DefaultLearningRate,
		ParamDiscLearningRate: DefaultDiscLearningRate,
		ParamGPWeight:         DefaultGPWeight,
		ParamCriticLayers:     slices.Clone(DefaultCriticLayers),
		ParamCriticHiddenDim:  DefaultCriticHiddenDim,
		ParamStyleMoments:     DefaultStyleMoments,
		ParamEmbeddingLayers:  []int{},
	})
	return ctx
}
