package styletransfer

import (
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer is what Optimize needs from a style transfer model: one update step of the discriminator,
// one update step of the generated image, and clamping the generated image back to valid pixel values.
//
// Model implements it with GoMLX.
type Trainer interface {
	// DiscStep updates the discriminator with opt, and returns its loss and the gradient penalty.
	DiscStep(opt optimizers.Interface) (discLoss, gpLoss float64, err error)

	// StyleContentStep updates the generated image with opt, and returns the style and content losses.
	StyleContentStep(opt optimizers.Interface) (styleLoss, contentLoss float64, err error)

	// ClampImage clamps every value of the generated image to [0, 1].
	ClampImage() error
}

// NewOptimizers creates the Adam optimizer for the generated image and, only if args is adversarial,
// the Adam optimizer for the discriminator. Otherwise discOpt is nil.
func NewOptimizers(args Args) (imageOpt, discOpt optimizers.Interface) {
	if args.Adversarial() {
		discOpt = optimizers.Adam().LearningRate(args.DiscLearningRate).Done()
	}
	imageOpt = optimizers.Adam().LearningRate(args.LearningRate).Done()
	return
}

// Optimize runs args.NumSteps steps of style transfer on trainer.
//
// At each step it first updates the discriminator (if args is adversarial), then the generated image,
// and finally clamps the generated image to [0, 1]. Losses of every step are recorded and the
// latest ones reported to progress, which can be nil.
//
// The returned Losses always have LossStyle and LossContent, and also LossDisc and LossGP if adversarial,
// each with one value per step.
// If a step fails, the error is returned along with the losses recorded so far.
func Optimize(args Args, trainer Trainer, progress Progress) (Losses, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	imageOpt, discOpt := NewOptimizers(args)
	return optimizeWith(args, trainer, progress, imageOpt, discOpt)
}

func optimizeWith(args Args, trainer Trainer, progress Progress, imageOpt, discOpt optimizers.Interface) (Losses, error) {
	adversarial := args.Adversarial()
	if adversarial && discOpt == nil {
		return nil, errors.Errorf("distance %q requires a discriminator optimizer", args.Distance)
	}
	if progress != nil {
		defer func() {
			if err := progress.Finish(); err != nil {
				klog.Warningf("Failed to finish progress: %v", err)
			}
		}()
	}
	losses := newLosses(adversarial, args.NumSteps)
	for step := 0; step < args.NumSteps; step++ {
		if adversarial {
			discLoss, gpLoss, err := trainer.DiscStep(discOpt)
			if err != nil {
				return losses, errors.WithMessagef(err, "discriminator update failed at step %d", step)
			}
			losses[LossDisc] = append(losses[LossDisc], discLoss)
			losses[LossGP] = append(losses[LossGP], gpLoss)
		}

		styleLoss, contentLoss, err := trainer.StyleContentStep(imageOpt)
		if err != nil {
			return losses, errors.WithMessagef(err, "style/content update failed at step %d", step)
		}
		losses[LossStyle] = append(losses[LossStyle], styleLoss)
		losses[LossContent] = append(losses[LossContent], contentLoss)

		if err := trainer.ClampImage(); err != nil {
			return losses, errors.WithMessagef(err, "clamping generated image failed at step %d", step)
		}

		if progress != nil {
			if err := progress.Step(losses.Postfix()); err != nil {
				klog.Warningf("Failed to update progress: %v", err)
			}
		}
		if klog.V(2).Enabled() {
			klog.Infof("step %d: %s", step, losses.Summary())
		}
	}
	return losses, nil
}
