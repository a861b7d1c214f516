package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// prepareMedia converts documents and still images to PNG for the model.
// Video is passed through untouched.
func prepareMedia(m Media) (Media, error) {
	mimeType := normalizeMIMEType(m.MIMEType)
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if strings.HasPrefix(mimeType, "video/") {
		return Media{Data: m.Data, MIMEType: mimeType}, nil
	}
	if mimeType == "image/png" && !isHEIC(m.Data, mimeType) {
		return Media{Data: m.Data, MIMEType: mimeType}, nil
	}

	img, err := decodeStill(m.Data, mimeType)
	if err != nil {
		return Media{}, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Media{}, fmt.Errorf("encoding PNG: %w", err)
	}
	return Media{Data: buf.Bytes(), MIMEType: "image/png"}, nil
}

// decodeStill decodes a PDF (first page), HEIC/HEIF or any registered image format
func decodeStill(data []byte, mimeType string) (image.Image, error) {
	switch {
	case mimeType == "application/pdf":
		doc, err := fitz.NewFromMemory(data)
		if err != nil {
			return nil, fmt.Errorf("opening PDF: %w", err)
		}
		defer doc.Close()

		// Receipts are almost always a single page
		img, err := doc.Image(0)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page: %w", err)
		}
		return img, nil

	case isHEIC(data, mimeType):
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil

	default:
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") {
				return nil, fmt.Errorf("unsupported media format %q (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF, video): %w", mimeType, err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
		return img, nil
	}
}

// isHEIC sniffs the ISO-BMFF ftyp brand and falls back to the declared MIME type
func isHEIC(data []byte, mimeType string) bool {
	if len(data) >= 12 && string(data[4:8]) == "ftyp" {
		switch string(data[8:12]) {
		case "heic", "heif", "mif1", "msf1":
			return true
		}
	}
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
