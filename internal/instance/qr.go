package instance

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// RenderQR encodes a pairing code as a PNG data URL for clients that cannot
// draw the raw code themselves.
func RenderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
