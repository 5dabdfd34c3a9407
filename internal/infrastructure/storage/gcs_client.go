package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

// MaxAttachmentSize is the largest upload accepted for a message attachment.
const MaxAttachmentSize = 10 << 20

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// Attachment is an uploaded file ready to be referenced by a message.
type Attachment struct {
	URL         string             `json:"url"`
	Type        entity.MessageType `json:"type"`
	ContentType string             `json:"content_type"`
	Size        int64              `json:"size"`
}

type CloudStorageClient struct {
	client     *storage.Client
	bucketName string
}

func NewCloudStorageClient(ctx context.Context, bucketName, credentialsPath string) (*CloudStorageClient, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %v", err)
	}

	return &CloudStorageClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// UploadAttachment stores a message attachment under the conversation folder.
// Images become image messages, everything else a file message.
func (c *CloudStorageClient) UploadAttachment(ctx context.Context, conversationID string, file io.Reader, contentType string, size int64) (*Attachment, error) {
	if err := ValidateAttachment(contentType, size); err != nil {
		return nil, err
	}

	name := ObjectName(conversationID, contentType, time.Now())
	obj := c.client.Bucket(c.bucketName).Object(name)

	wc := obj.NewWriter(ctx)
	wc.ContentType = contentType
	wc.CacheControl = "private, max-age=86400"
	wc.Metadata = map[string]string{"conversation_id": conversationID}

	if _, err := io.Copy(wc, file); err != nil {
		wc.Close()
		return nil, errors.NetworkError("Failed to upload attachment", err)
	}
	if err := wc.Close(); err != nil {
		return nil, errors.NetworkError("Failed to upload attachment", err)
	}

	logger.Debug("Attachment %s uploaded for conversation %s", name, conversationID)
	return &Attachment{
		URL:         fmt.Sprintf("https://storage.googleapis.com/%s/%s", c.bucketName, name),
		Type:        KindOf(contentType),
		ContentType: contentType,
		Size:        size,
	}, nil
}

// DeleteAttachment removes an attachment by its public URL.
func (c *CloudStorageClient) DeleteAttachment(ctx context.Context, fileURL string) error {
	prefix := "https://storage.googleapis.com/" + c.bucketName + "/"
	if !strings.HasPrefix(fileURL, prefix) {
		return errors.BadRequest("Attachment URL does not belong to this bucket", nil)
	}

	if err := c.client.Bucket(c.bucketName).Object(strings.TrimPrefix(fileURL, prefix)).Delete(ctx); err != nil {
		if err == storage.ErrObjectNotExist {
			return errors.NotFound("Attachment", err)
		}
		return errors.NetworkError("Failed to delete attachment", err)
	}
	return nil
}

func (c *CloudStorageClient) Close() error {
	return c.client.Close()
}

func ValidateAttachment(contentType string, size int64) error {
	if _, ok := extensions[contentType]; !ok {
		return errors.BadRequest(fmt.Sprintf("Unsupported attachment type %s", contentType), nil)
	}
	if size <= 0 || size > MaxAttachmentSize {
		return errors.BadRequest("Attachment must be between 1 byte and 10 MiB", nil)
	}
	return nil
}

// ObjectName is attachments/<conversation>/<day>/<uuid><ext>.
func ObjectName(conversationID, contentType string, now time.Time) string {
	return fmt.Sprintf("attachments/%s/%s/%s%s", conversationID, now.UTC().Format("20060102"), uuid.NewString(), extensions[contentType])
}

func KindOf(contentType string) entity.MessageType {
	if strings.HasPrefix(contentType, "image/") {
		return entity.MessageImage
	}
	return entity.MessageFile
}
