package styletransfer

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// gramMatrix returns a [numChannels, numChannels] matrix with the correlation of channels across the image.
func gramMatrix(img *Node) *Node {
	numChannels := img.Shape().Dim(-1)
	flat := Reshape(img, -1, numChannels)
	gram := MatMul(Transpose(flat, 0, 1), flat)
	gram.AssertDims(numChannels, numChannels)
	return gram
}

// gramLoss is the style loss of one layer from Gatys et al.: the mean squared difference of the Gram matrices,
// normalized by the size of the layer.
func gramLoss(xLayer, styleLayer *Node) *Node {
	numChannels := xLayer.Shape().Dim(-1)
	imageSize := xLayer.Shape().Size() / numChannels
	loss := ReduceAllMean(Square(Sub(gramMatrix(xLayer), gramMatrix(styleLayer))))
	return DivScalar(loss, float64(4*imageSize*numChannels))
}

// momentsEpsilon avoids division by zero when standardizing the moments of channels with no variance.
const momentsEpsilon = 1e-5

// channelMoments returns numMoments vectors shaped [numChannels] with the moments of the distribution of
// each channel across the image: the mean, the variance and then the standardized moments (skew, kurtosis, ...).
func channelMoments(img *Node, numMoments int) []*Node {
	if numMoments < 1 {
		exceptions.Panicf("number of moments for style must be >= 1, got %d", numMoments)
	}
	numChannels := img.Shape().Dim(-1)
	flat := Reshape(img, -1, numChannels)
	mean := ReduceAndKeep(flat, ReduceMean, 0)
	moments := []*Node{Reshape(mean, numChannels)}
	if numMoments == 1 {
		return moments
	}
	centered := Sub(flat, mean)
	variance := ReduceMean(Square(centered), 0)
	moments = append(moments, variance)
	power := Square(centered)
	for k := 3; k <= numMoments; k++ {
		power = Mul(power, centered)
		std := Pow(AddScalar(variance, momentsEpsilon), Scalar(img.Graph(), img.DType(), float64(k)/2))
		moments = append(moments, Div(ReduceMean(power, 0), std))
	}
	return moments
}

// momentsLoss is the style loss of one layer that matches the first numMoments moments of each channel.
func momentsLoss(xLayer, styleLayer *Node, numMoments int) *Node {
	xMoments := channelMoments(xLayer, numMoments)
	styleMoments := channelMoments(styleLayer, numMoments)
	var loss *Node
	for ii := range xMoments {
		momentLoss := ReduceAllMean(Square(Sub(xMoments[ii], styleMoments[ii])))
		if loss == nil {
			loss = momentLoss
		} else {
			loss = Add(loss, momentLoss)
		}
	}
	return loss
}

// contentLoss of one layer: mean of the square of the difference of the features between generated and content image.
func contentLoss(xLayer, contentLayer *Node) *Node {
	return ReduceAllMean(Square(Sub(xLayer, contentLayer)))
}

// meanOfLayers adds up perLayer(layerIdx) for all layers and divides by the number of layers.
func meanOfLayers(numLayers int, perLayer func(layerIdx int) *Node) *Node {
	if numLayers == 0 {
		exceptions.Panicf("no layers to calculate loss on")
	}
	var total *Node
	for layerIdx := range numLayers {
		loss := perLayer(layerIdx)
		if total == nil {
			total = loss
		} else {
			total = Add(total, loss)
		}
	}
	return DivScalar(total, float64(numLayers))
}
