package gateway

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const pairingImageSize = 256

// PairingEncoder turns a raw pairing payload into what observers display.
type PairingEncoder func(code string) (string, error)

// PNGDataURL renders code as a QR image embedded in a data URL.
func PNGDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, pairingImageSize)
	if err != nil {
		return "", fmt.Errorf("encode pairing qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// RawPairingCode passes the payload through unchanged.
func RawPairingCode(code string) (string, error) {
	return code, nil
}
