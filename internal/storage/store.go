package storage

import "context"

// Store uploads generated listing images and returns their public URLs.
type Store interface {
	Upload(ctx context.Context, key, mime string, data []byte) (string, error)
}
