// Package dataurl encodes and decodes RFC 2397 data URIs for in-memory
// image assets.
package dataurl

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid indicates the string is not a base64 data URI.
var ErrInvalid = errors.New("dataurl: invalid data uri")

// Encode wraps raw bytes in a base64 data URI.
func Encode(mime string, data []byte) string {
	mime = strings.TrimSpace(mime)
	if mime == "" {
		mime = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}

// Decode splits a base64 data URI into its MIME type and raw bytes.
func Decode(uri string) (mime string, data []byte, err error) {
	if !strings.HasPrefix(uri, "data:") {
		return "", nil, ErrInvalid
	}
	rest := uri[len("data:"):]
	sep := strings.Index(rest, ",")
	if sep < 0 {
		return "", nil, ErrInvalid
	}
	meta, payload := rest[:sep], rest[sep+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, ErrInvalid
	}
	mime = strings.TrimSuffix(meta, ";base64")
	if mime == "" {
		mime = "application/octet-stream"
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("dataurl: decode payload: %w", err)
	}
	return mime, data, nil
}

// Extension maps a MIME type to a file extension, defaulting to png.
func Extension(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}
