package styletransfer

import (
	"bytes"
	"fmt"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"k8s.io/klog/v2"
	"os"
)

// DisplayImages side by side in a notebook cell, using gonbui.
// It does nothing if not running in a notebook.
func DisplayImages(imgs ...*tensors.Tensor) {
	if !gonbui.IsNotebook {
		return
	}
	gonbui.DisplayHTML(must.M1(imagesTableHTML(imgs...)))
}

// imagesTableHTML returns an HTML table with one row with the images, embedded as PNG.
func imagesTableHTML(imgs ...*tensors.Tensor) (string, error) {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "<table><tr>\n")
	for ii, img := range imgs {
		if img == nil || img.Rank() != 3 {
			return "", errors.Errorf("image #%d must be shaped [height, width, channels]", ii)
		}
		src, err := gonbui.EmbedImageAsPNGSrc(images.ToImage().Single(img))
		if err != nil {
			return "", errors.WithMessagef(err, "image #%d", ii)
		}
		fmt.Fprintf(buf, "  <td><img src=\"%s\"/></td>\n", src)
	}
	fmt.Fprintf(buf, "</tr></table>\n")
	return buf.String(), nil
}

// LoadImage as a tensor shaped [height, width, 3], with values from 0.0 to 1.0.
//
// Image type is taken from its contents: png, jpeg, gif and webp are accepted.
func LoadImage(imagePath string) (imgT *tensors.Tensor, err error) {
	imgFile, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image in %s", imagePath)
	}
	defer func() { _ = imgFile.Close() }()

	img, _, err := image.Decode(imgFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image in %s", imagePath)
	}
	imgT = images.ToTensor(dtypes.Float32).Single(img)
	return
}

// SaveImage writes the image tensor shaped [height, width, 3], with values from 0.0 to 1.0, as a PNG file.
func SaveImage(imgT *tensors.Tensor, imagePath string) error {
	img := images.ToImage().Single(imgT)
	f, err := os.Create(imagePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create image file %s", imagePath)
	}
	if err = png.Encode(f, img); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode PNG image to %s", imagePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close image file %s", imagePath)
	}
	return nil
}

// LoadScaledImages loads the content and style images and scales them to InceptionV3 sizes.
// Values are kept from 0.0 to 1.0.
func LoadScaledImages(backend backends.Backend, contentPath, stylePath string) (content, style *tensors.Tensor, err error) {
	content, err = LoadImage(contentPath)
	if err != nil {
		return
	}
	style, err = LoadImage(stylePath)
	if err != nil {
		return
	}
	klog.V(1).Infof("Images: content=%s, style=%s", content.Shape(), style.Shape())
	content = InceptionV3ResizeTensor(backend, content)
	style = InceptionV3ResizeTensor(backend, style)
	klog.V(1).Infof("Images scaled to %s", content.Shape())
	return
}
