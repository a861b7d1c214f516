package scanning

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Media is an uploaded receipt payload together with its MIME type
type Media struct {
	Data     []byte
	MIMEType string
}

var errInvalidDataURI = errors.New("invalid data URI")

// ParseDataURI decodes a self-describing blob of the form data:<mime>;base64,<payload>
func ParseDataURI(uri string) (Media, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "data:")
	if !ok {
		return Media{}, fmt.Errorf("%w: missing data: prefix", errInvalidDataURI)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Media{}, fmt.Errorf("%w: missing payload", errInvalidDataURI)
	}
	mimeType, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return Media{}, fmt.Errorf("%w: payload must be base64 encoded", errInvalidDataURI)
	}
	if mimeType == "" {
		return Media{}, fmt.Errorf("%w: missing MIME type", errInvalidDataURI)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Media{}, fmt.Errorf("decoding data URI payload: %w", err)
	}
	if len(data) == 0 {
		return Media{}, fmt.Errorf("%w: empty payload", errInvalidDataURI)
	}

	return Media{Data: data, MIMEType: normalizeMIMEType(mimeType)}, nil
}

// DataURI encodes the media as a data URI
func (m Media) DataURI() string {
	return "data:" + m.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
}

// IsVideo reports whether the media is a video clip
func (m Media) IsVideo() bool {
	return strings.HasPrefix(m.MIMEType, "video/")
}

// ContentTypeForExtension guesses a MIME type from a file extension
func ContentTypeForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

// ExtensionForContentType is the inverse of ContentTypeForExtension
func ExtensionForContentType(mimeType string) string {
	switch normalizeMIMEType(mimeType) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "application/pdf":
		return ".pdf"
	case "image/heic":
		return ".heic"
	case "image/heif":
		return ".heif"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "video/webm":
		return ".webm"
	default:
		return ".bin"
	}
}

func normalizeMIMEType(mimeType string) string {
	return strings.ToLower(strings.TrimSpace(mimeType))
}
