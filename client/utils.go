package client

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// DecodeImage decodes an image as sent by the backend: base64 PNG data, optionally
// wrapped in a data URI ("data:image/png;base64,...").
func DecodeImage(image string) ([]byte, error) {
	if strings.HasPrefix(image, "data:") {
		comma := strings.IndexByte(image, ',')
		if comma == -1 {
			return nil, errors.New("malformed data URI")
		}
		if !strings.HasSuffix(image[:comma], ";base64") {
			return nil, errors.New("data URI is not base64 encoded")
		}
		image = image[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, errors.New("not a valid PNG file")
	}
	return data, nil
}
