// styletransfer transfers the style of one image to the content of another.
//
// Example:
//
//	styletransfer -content=photo.jpg -style=painting.png -output=generated.png \
//		-set="distance=wass;num_steps=500;image_learning_rate=0.02;disc_learning_rate=0.0005"
//
// Hyperparameters can also be given in a YAML file with -params, and -set settings take precedence over it.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/janpfeifer/wstyletransfer/styletransfer"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagContent    = flag.String("content", "", "Path to the content image (png, jpeg, gif or webp).")
	flagStyle      = flag.String("style", "", "Path to the style image (png, jpeg, gif or webp).")
	flagOutput     = flag.String("output", "generated.png", "Path where to save the generated image, in PNG format.")
	flagLossesPlot = flag.String("losses_plot", "", "If set, path where to save a chart of the losses per step (.png, .svg or .pdf).")
	flagParams     = flag.String("params", "", "YAML file with hyperparameters. Values given with -set take precedence.")
	flagInception  = flag.String("inception_dir", styletransfer.InceptionV3Dir, "Directory where to cache the InceptionV3 weights.")
	flagNoProgress = flag.Bool("no_progress", false, "Disable the progress bar.")
)

func main() {
	ctx := styletransfer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	klog.InitFlags(nil)
	flag.Parse()

	if *flagContent == "" || *flagStyle == "" {
		fmt.Fprintf(os.Stderr, "Both -content and -style must be given.\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if *flagParams != "" {
		check1(styletransfer.LoadParamsFile(ctx, *flagParams))
	}
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Hyperparameters set from command line: %s", strings.Join(paramsSet, ", "))
	}
	styletransfer.InceptionV3Dir = *flagInception

	err := exceptions.TryCatch[error](func() {
		run(ctx)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(ctx *context.Context) {
	backend := backends.New()
	klog.V(1).Infof("Backend: %s", backend.Name())
	content, style := check2(styletransfer.LoadScaledImages(backend, *flagContent, *flagStyle))

	cfg := styletransfer.New(backend, ctx, content, style)
	if *flagNoProgress {
		cfg.ProgressWriter(nil)
	}
	generated, losses, err := cfg.Transfer()
	if generated != nil {
		check(styletransfer.SaveImage(generated, *flagOutput))
		klog.Infof("Generated image saved to %s", *flagOutput)
		if gonbui.IsNotebook {
			styletransfer.DisplayImages(content, style, generated)
		}
	}
	if *flagLossesPlot != "" && len(losses[styletransfer.LossStyle]) > 0 {
		check(styletransfer.PlotLosses(losses, *flagLossesPlot))
		klog.Infof("Losses chart saved to %s", *flagLossesPlot)
	}
	check(err)
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}

// check2 reports and exits on error. Otherwise returns the values passed.
func check2[T1, T2 any](v1 T1, v2 T2, err error) (T1, T2) {
	check(err)
	return v1, v2
}
