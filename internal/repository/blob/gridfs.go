package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// GridFSStore keeps attachments in the "attachments" GridFS bucket, one
	// file per key.
	GridFSStore struct {
		naming
		bucket *gridfs.Bucket
	}
)

func NewGridFSStore(db *mongo.Database, publicURL string, maxSize int64) (*GridFSStore, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName("attachments"))
	if err != nil {
		return nil, fmt.Errorf("gridfs.NewBucket: %w", err)
	}
	return &GridFSStore{
		naming: newNaming(publicURL, maxSize),
		bucket: bucket,
	}, nil
}

func (s *GridFSStore) Upload(ctx context.Context, data []byte, conversationID, mimeType string) (string, error) {
	if err := s.check(data); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := s.key(conversationID, mimeType)
	opts := options.GridFSUpload().SetMetadata(bson.M{
		"contentType":    mimeType,
		"conversationId": conversationID,
	})
	if _, err := s.bucket.UploadFromStream(key, bytes.NewReader(data), opts); err != nil {
		return "", fmt.Errorf("gridfs upload: %w", err)
	}
	return s.url(key), nil
}

func (s *GridFSStore) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	stream, err := s.bucket.OpenDownloadStreamByName(key)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}

	contentType := "application/octet-stream"
	if meta := stream.GetFile().Metadata; meta != nil {
		if v, ok := meta.Lookup("contentType").StringValueOK(); ok && v != "" {
			contentType = v
		}
	}
	return stream, contentType, nil
}
