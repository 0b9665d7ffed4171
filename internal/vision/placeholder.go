package vision

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/disintegration/imaging"
)

const (
	placeholderSize    = 8
	placeholderQuality = 10
)

// Placeholder renders a tiny blurred JPEG preview as a data URL, used by
// clients to show something while the full image loads.
func Placeholder(data []byte) (string, error) {
	img, err := decodeImage(data)
	if err != nil {
		return "", err
	}

	thumb := imaging.Blur(imaging.Resize(img, placeholderSize, placeholderSize, imaging.Box), 0.5)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(placeholderQuality)); err != nil {
		return "", fmt.Errorf("encode placeholder: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
