package styletransfer

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context scopes and variable names used by Model.
const (
	ImageScope             = "image"
	GeneratedImageVariable = "generated"
	ContentEmbeddingsScope = "content_embeddings"
	StyleEmbeddingsScope   = "style_embeddings"
	ImageOptimizerScope    = "image_optimizer"
	CriticOptimizerScope   = "critic_optimizer"
)

// embeddingsVariableFmt is the name of the variable holding the pre-calculated embeddings of a layer.
const embeddingsVariableFmt = "layer_%d"

// Model is the GoMLX Trainer for style transfer.
//
// The generated image is the only trainable variable for StyleContentStep, and the discriminator
// variables (only created with DistanceWass) are the only trainable ones for DiscStep.
// All its state lives in the context given to New, so it can be checkpointed.
type Model struct {
	cfg      *Config
	imageVar *context.Variable

	// Compiled steps, and the optimizers they were compiled with.
	discExec, styleContentExec *context.Exec
	discOpt, imageOpt          optimizers.Interface
	clampExec                  *context.Exec
}

var _ Trainer = (*Model)(nil)

// NewModel validates cfg, pre-calculates the embeddings of the content and style images and
// creates the generated image variable, initialized with the content image, if it doesn't exist yet.
func NewModel(cfg *Config) (m *Model, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	m = &Model{cfg: cfg}
	err = exceptions.TryCatch[error](func() {
		m.precalculateEmbeddings()
		ctx := cfg.ctx.In(ImageScope)
		m.imageVar = ctx.GetVariable(GeneratedImageVariable)
		if m.imageVar == nil {
			xT := tensors.FromShape(cfg.content.Shape())
			xT.CopyFrom(cfg.content)
			m.imageVar = ctx.VariableWithValue(GeneratedImageVariable, xT)
		} else if !m.imageVar.Shape().Equal(cfg.content.Shape()) {
			exceptions.Panicf("generated image in context is shaped %s, but content image is shaped %s",
				m.imageVar.Shape(), cfg.content.Shape())
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create style transfer model")
	}
	return m, nil
}

// precalculateEmbeddings for the content and style images and store them as variables in the context.
func (m *Model) precalculateEmbeddings() {
	// Executes the GoMLX code to update the variables. It doesn't return anything directly (only through
	// the updated variables).
	_ = context.ExecOnceN(m.cfg.backend, m.cfg.ctx, func(ctx *context.Context, content, style *Node) []*Node {
		g := content.Graph()
		ctx.SetTraining(g, false)
		allLayers := m.cfg.embeddingsFn(ctx, []*Node{content, style})
		scopes := []string{ContentEmbeddingsScope, StyleEmbeddingsScope}
		for imageIdx, layers := range allLayers {
			scopedCtx := ctx.In(scopes[imageIdx])
			for layerIdx, layer := range layers {
				varName := fmt.Sprintf(embeddingsVariableFmt, layerIdx)
				// Create variable, or set it, if it already exists.
				v := scopedCtx.GetVariable(varName)
				if v == nil {
					v = scopedCtx.VariableWithValueGraph(varName, layer)
				} else {
					v.SetValueGraph(layer)
				}
				v.SetTrainable(false)
			}
		}
		return nil
	}, m.cfg.content, m.cfg.style)
}

// loadEmbeddings load the values created by precalculateEmbeddings in the scopedCtx --
// scopedCtx must be in scope ContentEmbeddingsScope or StyleEmbeddingsScope.
func loadEmbeddings(scopedCtx *context.Context, g *Graph) []*Node {
	var e []*Node
	for layerIdx := 0; ; layerIdx++ {
		v := scopedCtx.GetVariable(fmt.Sprintf(embeddingsVariableFmt, layerIdx))
		if v == nil {
			// No more layers
			break
		}
		e = append(e, v.ValueGraph(g))
	}
	return e
}

// embeddingsGraph returns the embeddings of x and the pre-calculated content and style embeddings.
func (m *Model) embeddingsGraph(ctx *context.Context, x *Node) (xLayers, contentLayers, styleLayers []*Node) {
	g := x.Graph()
	xLayers = m.cfg.embeddingsFn(ctx, []*Node{x})[0]
	contentLayers = loadEmbeddings(ctx.In(ContentEmbeddingsScope), g)
	styleLayers = loadEmbeddings(ctx.In(StyleEmbeddingsScope), g)
	if len(xLayers) != len(contentLayers) {
		exceptions.Panicf("expected same number of layers for x (%d) and content (%d) layers",
			len(xLayers), len(contentLayers))
	}
	if len(xLayers) != len(styleLayers) {
		exceptions.Panicf("expected same number of layers for x (%d) and style (%d) layers",
			len(xLayers), len(styleLayers))
	}
	return
}

// lossesGraph calculates the style and content losses of the generated image x.
func (m *Model) lossesGraph(ctx *context.Context, x *Node) (styleLoss, contentLossValue *Node) {
	xLayers, contentLayers, styleLayers := m.embeddingsGraph(ctx, x)
	numLayers := len(xLayers)
	contentLossValue = meanOfLayers(numLayers, func(layerIdx int) *Node {
		return contentLoss(xLayers[layerIdx], contentLayers[layerIdx])
	})
	switch m.cfg.args.Distance {
	case DistanceGram:
		styleLoss = meanOfLayers(numLayers, func(layerIdx int) *Node {
			return gramLoss(xLayers[layerIdx], styleLayers[layerIdx])
		})
	case DistanceMoments:
		styleLoss = meanOfLayers(numLayers, func(layerIdx int) *Node {
			return momentsLoss(xLayers[layerIdx], styleLayers[layerIdx], m.cfg.numMomentsForStyle)
		})
	case DistanceWass:
		styleLoss = wassersteinDistance(ctx, xLayers, styleLayers, m.cfg.criticLayers, m.cfg.criticHiddenDim)
	default:
		exceptions.Panicf("unknown distance %q", m.cfg.args.Distance)
	}
	return
}

// setTrainable marks either the generated image or the discriminator as the trainable variables.
func (m *Model) setTrainable(ctx *context.Context, image bool) {
	m.imageVar.SetTrainable(image)
	for _, v := range criticVariables(ctx) {
		v.SetTrainable(!image)
	}
}

// optimizerContext returns the scope where an optimizer keeps its state, with its learning rate set there:
// GoMLX optimizers read optimizers.ParamLearningRate from the context searching up to the root scope, so
// without it both optimizers would share whatever learning rate is set in an outer scope.
func optimizerContext(ctx *context.Context, scope string, learningRate float64) *context.Context {
	ctx = ctx.In(scope).Checked(false)
	ctx.SetParam(optimizers.ParamLearningRate, learningRate)
	return ctx
}

// styleContentStepGraph builds the computation graph that executes one update of the generated image.
// It returns the style and content losses, before the update.
func (m *Model) styleContentStepGraph(ctx *context.Context, g *Graph) []*Node {
	ctx.SetTraining(g, true)
	x := m.imageVar.ValueGraph(g)
	styleLoss, contentLossValue := m.lossesGraph(ctx, x)
	loss := Add(
		MulScalar(contentLossValue, m.cfg.contentLossWeight),
		MulScalar(styleLoss, m.cfg.styleLossWeight))
	m.setTrainable(ctx, true)
	m.imageOpt.UpdateGraph(optimizerContext(ctx, ImageOptimizerScope, m.cfg.args.LearningRate), g, loss)
	return []*Node{styleLoss, contentLossValue}
}

// discStepGraph builds the computation graph that executes one update of the discriminator.
// It returns the discriminator loss (the negative of the estimated distance) and the weighted gradient penalty.
func (m *Model) discStepGraph(ctx *context.Context, g *Graph) []*Node {
	ctx.SetTraining(g, true)
	x := StopGradient(m.imageVar.ValueGraph(g))
	xLayers, _, styleLayers := m.embeddingsGraph(ctx, x)
	discLoss := Neg(wassersteinDistance(ctx, xLayers, styleLayers, m.cfg.criticLayers, m.cfg.criticHiddenDim))
	gp := MulScalar(
		gradientPenalty(ctx, xLayers, styleLayers, m.cfg.criticLayers, m.cfg.criticHiddenDim),
		m.cfg.gpWeight)
	m.setTrainable(ctx, false)
	m.discOpt.UpdateGraph(optimizerContext(ctx, CriticOptimizerScope, m.cfg.args.DiscLearningRate), g, Add(discLoss, gp))
	return []*Node{discLoss, gp}
}

// runStep executes the compiled step and returns its two scalar outputs.
func runStep(exec *context.Exec) (first, second float64, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs := exec.Call()
		if len(outputs) != 2 {
			exceptions.Panicf("step returned %d values, expected 2", len(outputs))
		}
		first = scalarValue(outputs[0])
		second = scalarValue(outputs[1])
	})
	return
}

// DiscStep implements Trainer. It requires DistanceWass.
func (m *Model) DiscStep(opt optimizers.Interface) (discLoss, gpLoss float64, err error) {
	if m.cfg.args.Distance != DistanceWass {
		return 0, 0, errors.Errorf("distance %q has no discriminator to update", m.cfg.args.Distance)
	}
	if opt == nil {
		return 0, 0, errors.New("no optimizer given for the discriminator")
	}
	if m.discExec == nil || m.discOpt != opt {
		if m.discExec != nil {
			klog.Warningf("Discriminator optimizer changed, recompiling the discriminator step")
		}
		m.discOpt = opt
		m.discExec = context.NewExec(m.cfg.backend, m.cfg.ctx, m.discStepGraph)
	}
	return runStep(m.discExec)
}

// StyleContentStep implements Trainer.
func (m *Model) StyleContentStep(opt optimizers.Interface) (styleLoss, contentLoss float64, err error) {
	if opt == nil {
		return 0, 0, errors.New("no optimizer given for the generated image")
	}
	if m.styleContentExec == nil || m.imageOpt != opt {
		if m.styleContentExec != nil {
			klog.Warningf("Image optimizer changed, recompiling the style/content step")
		}
		m.imageOpt = opt
		m.styleContentExec = context.NewExec(m.cfg.backend, m.cfg.ctx, m.styleContentStepGraph)
	}
	return runStep(m.styleContentExec)
}

// ClampImage implements Trainer.
func (m *Model) ClampImage() error {
	if m.clampExec == nil {
		m.clampExec = context.NewExec(m.cfg.backend, m.cfg.ctx, func(ctx *context.Context, g *Graph) *Node {
			x := ClipScalar(m.imageVar.ValueGraph(g), 0, 1)
			m.imageVar.SetValueGraph(x)
			return ReduceAllMax(x)
		})
	}
	return exceptions.TryCatch[error](func() {
		m.clampExec.Call()[0].FinalizeAll()
	})
}

// DiscVariables returns the variables of the discriminator. They are created on the first DiscStep.
func (m *Model) DiscVariables() []*context.Variable {
	return criticVariables(m.cfg.ctx)
}

// Image returns a copy of the current generated image, with values from 0.0 to 1.0.
func (m *Model) Image() *tensors.Tensor {
	return ExecOnce(m.cfg.backend, func(img *Node) *Node {
		return ClipScalar(img, 0, 1)
	}, m.imageVar.Value())
}

// scalarValue converts a scalar tensor to float64 and frees it.
func scalarValue(t *tensors.Tensor) float64 {
	defer t.FinalizeAll()
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	exceptions.Panicf("expected a float scalar, got %s", t.Shape())
	return 0
}
