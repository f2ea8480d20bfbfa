package artifact

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const artifactContentType = "text/csv"

// objectWriter abstracts the object upload so tests can avoid real
// cloud-storage calls.
type objectWriter interface {
	// Write uploads content under the given object name with the given
	// content type.
	Write(ctx context.Context, objectName, contentType string, content []byte) error
}

// gcsObjectWriter uploads through a real cloud-storage client.
type gcsObjectWriter struct {
	client *storage.Client
	bucket string
}

func (w *gcsObjectWriter) Write(ctx context.Context, objectName, contentType string, content []byte) error {
	writer := w.client.Bucket(w.bucket).Object(objectName).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write object %q: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer for object %q: %w", objectName, err)
	}
	return nil
}

// DriveBackend uploads artifacts to a cloud-storage bucket and returns a
// stable externally-resolvable link. Uploads use the service account
// resolved at startup, never the caller credential.
type DriveBackend struct {
	bucket       string
	objectPrefix string
	writer       objectWriter
	client       *storage.Client // nil when the writer was injected
	logger       *zap.Logger
}

// NewDriveBackend creates a cloud-storage backend. credentialsFile points
// at a service-account key; when empty, ambient credentials are used.
func NewDriveBackend(ctx context.Context, bucket, objectPrefix, credentialsFile string, logger *zap.Logger) (*DriveBackend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("drive backend requires a bucket")
	}

	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	logger.Info("Drive artifact backend initialized",
		zap.String("bucket", bucket),
		zap.String("object_prefix", objectPrefix))

	return &DriveBackend{
		bucket:       bucket,
		objectPrefix: objectPrefix,
		writer:       &gcsObjectWriter{client: client, bucket: bucket},
		client:       client,
		logger:       logger,
	}, nil
}

// Name implements Backend.
func (b *DriveBackend) Name() string {
	return "drive"
}

// Put implements Backend. Returns a public object link.
func (b *DriveBackend) Put(ctx context.Context, artifactName string, content []byte) (string, error) {
	objectName := b.objectPrefix + artifactName

	if err := b.writer.Write(ctx, objectName, artifactContentType, content); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersist, err)
	}

	location := fmt.Sprintf("https://storage.googleapis.com/%s/%s", b.bucket, objectName)

	b.logger.Debug("Artifact uploaded",
		zap.String("bucket", b.bucket),
		zap.String("object", objectName),
		zap.Int("size_bytes", len(content)))

	return location, nil
}

// Close releases the underlying storage client.
func (b *DriveBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}
