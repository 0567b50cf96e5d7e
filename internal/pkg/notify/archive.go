package notify

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"docktor/cmd"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"k8s.io/klog/v2"
)

type objectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive uploads the rendered report bodies and every attachment to an S3 compatible bucket, under a prefix
// named after the run id.
type Archive struct {
	store  objectStore
	bucket string
}

// NewArchive returns an Archive notifier for the given cmd.ArchiveConfig.
func NewArchive(cfg *cmd.ArchiveConfig) (*Archive, error) {
	mc, err := minio.New(cfg.ArchiveEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, ""),
		Secure: cfg.ArchiveUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client for %s: %w", cfg.ArchiveEndpoint, err)
	}
	return &Archive{store: mc, bucket: cfg.ArchiveBucket}, nil
}

func (a *Archive) Name() string { return "archive" }

// Notify uploads report.txt, report.html and the attachments of n.
func (a *Archive) Notify(ctx context.Context, n *Notification) error {
	prefix := n.RunID
	bodies := []struct {
		name, body, contentType string
	}{
		{"report.txt", n.Text, "text/plain; charset=utf-8"},
		{"report.html", n.HTML, "text/html; charset=utf-8"},
	}
	for _, b := range bodies {
		if b.body == "" {
			continue
		}
		key := path.Join(prefix, b.name)
		_, err := a.store.PutObject(ctx, a.bucket, key, strings.NewReader(b.body), int64(len(b.body)), minio.PutObjectOptions{
			ContentType: b.contentType,
		})
		if err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
	}
	for _, att := range n.Attachments {
		key := path.Join(prefix, att.Filename)
		_, err := a.store.FPutObject(ctx, a.bucket, key, att.Path, minio.PutObjectOptions{
			ContentType: att.MimeType,
		})
		if err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
	}
	klog.Infof("Archived report under s3://%s/%s/", a.bucket, prefix)
	return nil
}
