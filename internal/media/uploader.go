// Package media stores chat images in S3-compatible object storage.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// MaxImageBytes is the largest accepted upload
const MaxImageBytes = 5 * 1024 * 1024

var (
	// ErrInvalidImage is the parent of every upload validation error
	ErrInvalidImage = errors.New("invalid image")
	ErrEmptyImage   = fmt.Errorf("%w: empty file", ErrInvalidImage)
	ErrTooLarge     = fmt.Errorf("%w: Image too large. Please select an image under 5MB.", ErrInvalidImage)
	ErrNotAnImage   = fmt.Errorf("%w: Please select a valid image file.", ErrInvalidImage)
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// ObjectPutter is the part of the S3 client the uploader needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config describes the bucket and how to reach it
type S3Config struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// Endpoint selects an S3-compatible provider instead of AWS
	Endpoint      string
	PublicBaseURL string
}

// NewS3Client builds a client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS chain applies.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Uploader writes images and returns their public URL
type Uploader struct {
	client     ObjectPutter
	bucket     string
	publicBase string
	now        func() time.Time
}

// NewUploader creates an uploader for cfg.Bucket
func NewUploader(client ObjectPutter, cfg S3Config) *Uploader {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		switch {
		case cfg.Endpoint != "":
			base = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		default:
			base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	return &Uploader{
		client:     client,
		bucket:     cfg.Bucket,
		publicBase: base,
		now:        time.Now,
	}
}

// Validate checks the content type and size of an upload
func Validate(contentType string, size int) (ext string, err error) {
	if size <= 0 {
		return "", ErrEmptyImage
	}
	if size > MaxImageBytes {
		return "", ErrTooLarge
	}
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := extensions[ct]
	if !ok {
		return "", ErrNotAnImage
	}
	return ext, nil
}

// Upload stores data under {userID}/{unixMillis}{ext}
func (u *Uploader) Upload(ctx context.Context, userID, contentType string, data []byte) (string, error) {
	ext, err := Validate(contentType, len(data))
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s/%d%s", userID, u.now().UnixMilli(), ext)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("key", key).Msg("Failed to upload image")
		return "", fmt.Errorf("failed to upload image: %w", err)
	}

	log.Info().Str("user_id", userID).Str("key", key).Int("bytes", len(data)).Msg("Image uploaded")
	return u.publicBase + "/" + key, nil
}
