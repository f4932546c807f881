// Package storage publishes rendered files under a URL the parent
// application can hand to end users.
package storage

import "context"

// Publisher makes a local file reachable and returns its URL.
type Publisher interface {
	Publish(ctx context.Context, localPath, objectKey, contentType string) (string, error)
}
