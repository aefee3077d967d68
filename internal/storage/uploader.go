// Package storage keeps user reference images somewhere the provider can fetch them.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/digkill/CreatorBot/internal/config"
)

var (
	ErrDisabled = errors.New("reference storage is not configured")
	ErrNotImage = errors.New("reference is not an image")
)

type Uploader struct {
	bucket        string
	prefix        string
	publicBaseURL string
	client        *s3.Client
	now           func() time.Time
}

// NewUploader returns nil when no bucket is configured; a nil *Uploader reports
// Enabled() == false and refuses uploads with ErrDisabled.
func NewUploader(cfg config.Config) *Uploader {
	if cfg.S3Bucket == "" {
		return nil
	}
	prefix := strings.Trim(cfg.S3Prefix, "/")
	if prefix == "" {
		prefix = "references"
	}

	options := s3.Options{
		Region:       cfg.S3Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		UsePathStyle: cfg.S3UsePathStyle,
	}
	if cfg.S3Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.S3Endpoint)
	}

	return &Uploader{
		bucket:        cfg.S3Bucket,
		prefix:        prefix,
		publicBaseURL: strings.TrimRight(cfg.S3PublicBaseURL, "/"),
		client:        s3.New(options),
		now:           time.Now,
	}
}

func (u *Uploader) Enabled() bool {
	return u != nil && u.client != nil
}

// Upload stores an image publicly and returns its URL.
func (u *Uploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if !u.Enabled() {
		return "", ErrDisabled
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	contentType, err := NormalizeImageContentType(contentType, data)
	if err != nil {
		return "", err
	}

	key := u.objectKey(contentType)
	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	}); err != nil {
		return "", fmt.Errorf("put reference %s: %w", key, err)
	}
	return u.publicBaseURL + "/" + key, nil
}

func (u *Uploader) objectKey(contentType string) string {
	day := u.now().UTC().Format("2006/01/02")
	return path.Join(u.prefix, day, uuid.NewString()+extensionFor(contentType))
}

// NormalizeImageContentType trusts the declared type only when it names an image and
// sniffs the bytes otherwise. Only formats the provider accepts pass.
func NormalizeImageContentType(declared string, data []byte) (string, error) {
	ct := baseMediaType(declared)
	if !strings.HasPrefix(ct, "image/") && len(data) > 0 {
		ct = baseMediaType(http.DetectContentType(data))
	}
	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png", "image/webp":
		return ct, nil
	default:
		return "", ErrNotImage
	}
}

func baseMediaType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
