// Package blob stores message attachments and hands out retrievable URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxSize is the default attachment cap (5 MiB).
const MaxSize = 5 << 20

const keyPrefix = "uploads/"

var (
	ErrEmpty    = errors.New("empty blob")
	ErrTooLarge = errors.New("blob exceeds the size limit")
	ErrNotFound = errors.New("blob not found")
)

type (
	Store interface {
		// Upload stores data for a conversation and returns its URL.
		Upload(ctx context.Context, data []byte, conversationID, mimeType string) (string, error)
		// Open streams a stored blob back by key.
		Open(ctx context.Context, key string) (io.ReadCloser, string, error)
	}

	// naming is shared by the store implementations.
	naming struct {
		publicURL string
		maxSize   int64
		now       func() time.Time
	}
)

func newNaming(publicURL string, maxSize int64) naming {
	if maxSize <= 0 {
		maxSize = MaxSize
	}
	return naming{
		publicURL: strings.TrimRight(publicURL, "/"),
		maxSize:   maxSize,
		now:       time.Now,
	}
}

func (n naming) check(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if int64(len(data)) > n.maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), n.maxSize)
	}
	return nil
}

// key builds uploads/<conversationId>/<unixMillis>-<suffix>.<ext>.
func (n naming) key(conversationID, mimeType string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s/%d-%s.%s", keyPrefix, conversationID, n.now().UnixMilli(), suffix, Extension(mimeType))
}

func (n naming) url(key string) string {
	return n.publicURL + "/files/" + strings.TrimPrefix(key, keyPrefix)
}

// Key maps the public /files/<conversationId>/<name> path back to a store key.
func Key(conversationID, name string) string {
	return keyPrefix + conversationID + "/" + name
}

// Extension infers a file extension from a mime type, "bin" if it cannot.
func Extension(mimeType string) string {
	_, sub, ok := strings.Cut(mimeType, "/")
	if !ok {
		return "bin"
	}
	sub, _, _ = strings.Cut(sub, ";")
	sub, _, _ = strings.Cut(sub, "+")

	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(sub)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 || b.Len() > 16 {
		return "bin"
	}
	return b.String()
}
