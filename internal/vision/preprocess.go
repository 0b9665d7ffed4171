package vision

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

var (
	detMean = [3]float32{127.5, 127.5, 127.5}
	detStd  = [3]float32{128.0, 128.0, 128.0}
	embMean = [3]float32{127.5, 127.5, 127.5}
	embStd  = [3]float32{127.5, 127.5, 127.5}
)

// decodeImage decodes any registered format and applies the EXIF orientation,
// so boxes are reported in the upright frame the uploader sees.
func decodeImage(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("decode image: empty image %dx%d", b.Dx(), b.Dy())
	}
	return img, nil
}

func preprocessForDetection(img image.Image, targetW, targetH int) []float32 {
	return imageToFloat32CHW(img, targetW, targetH, detMean, detStd)
}

func preprocessForEmbedding(img image.Image, targetW, targetH int) []float32 {
	return imageToFloat32CHW(img, targetW, targetH, embMean, embStd)
}

// imageToFloat32CHW resizes img and converts it to CHW float32 with
//
//	pixel = (pixel - mean) / std
func imageToFloat32CHW(img image.Image, targetW, targetH int, mean, std [3]float32) []float32 {
	resized := imaging.Resize(img, targetW, targetH, imaging.Linear)
	w, h := targetW, targetH
	data := make([]float32, 3*h*w)

	// imaging returns *image.NRGBA with a zero origin.
	pix := resized.Pix
	for y := 0; y < h; y++ {
		row := y * resized.Stride
		for x := 0; x < w; x++ {
			p := row + x*4
			idx := y*w + x
			data[0*h*w+idx] = (float32(pix[p]) - mean[0]) / std[0]
			data[1*h*w+idx] = (float32(pix[p+1]) - mean[1]) / std[1]
			data[2*h*w+idx] = (float32(pix[p+2]) - mean[2]) / std[2]
		}
	}
	return data
}

// cropFace extracts the box region with 10% padding on every side.
// Returns nil when the box does not overlap the image.
func cropFace(img image.Image, b faceBox) image.Image {
	bounds := img.Bounds()

	rect := image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Intersect(bounds)
	if rect.Empty() {
		return nil
	}

	padW := int(float32(rect.Dx()) * 0.1)
	padH := int(float32(rect.Dy()) * 0.1)
	rect = image.Rect(rect.Min.X-padW, rect.Min.Y-padH, rect.Max.X+padW, rect.Max.Y+padH).Intersect(bounds)

	return imaging.Crop(img, rect)
}
