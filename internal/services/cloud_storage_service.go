package services

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// ObjectStore is the part of cloud storage the export needs.
type ObjectStore interface {
	UploadFile(ctx context.Context, bucketName, objectName, contentType string, content io.Reader) error
	ListFiles(ctx context.Context, bucketName, prefix string) ([]string, error)
}

type GCSService struct {
	client *storage.Client
}

func NewGCSService(ctx context.Context) (*GCSService, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSService{client: client}, nil
}

func (s *GCSService) UploadFile(ctx context.Context, bucketName, objectName, contentType string, content io.Reader) error {
	writer := s.client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, content); err != nil {
		writer.Close()
		return fmt.Errorf("failed to upload gs://%s/%s: %w", bucketName, objectName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", bucketName, objectName, err)
	}
	return nil
}

func (s *GCSService) ListFiles(ctx context.Context, bucketName, prefix string) ([]string, error) {
	var fileNames []string
	it := s.client.Bucket(bucketName).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		fileNames = append(fileNames, attrs.Name)
	}
	return fileNames, nil
}

func (s *GCSService) Close() error {
	return s.client.Close()
}
