package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"rescue-coordinator/internal/config"
	"rescue-coordinator/internal/models"
)

// Store is the slice of persistence the media service needs.
type Store interface {
	AddProofMedia(ctx context.Context, m models.ProofMedia) error
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Service ingests proof photos: decode, thumbnail, upload, persist the row.
// Rows tagged completion_proof feed the release gate.
type Service struct {
	store      Store
	uploads    uploader
	maxBytes   int64
	thumbWidth int
}

// New constructs the service and chooses an uploader (S3 when a bucket is
// configured, local disk otherwise).
func New(ctx context.Context, cfg config.Config, store Store) (*Service, error) {
	maxBytes := cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}
	thumbWidth := cfg.MediaThumbWidth
	if thumbWidth == 0 {
		thumbWidth = 320
	}

	var up uploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	} else {
		baseDir := cfg.MediaOutputDir
		if baseDir == "" {
			baseDir = "./media"
		}
		up = &localUploader{baseDir: baseDir}
	}

	return &Service{store: store, uploads: up, maxBytes: maxBytes, thumbWidth: thumbWidth}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Attach decodes one photo, stores the original plus a bounded thumbnail, and
// records the ProofMedia row.
func (s *Service) Attach(ctx context.Context, jobID, uploaderID, purpose string, data []byte) (models.ProofMedia, error) {
	if purpose == "" {
		purpose = models.PurposeCompletionProof
	}
	if int64(len(data)) > s.maxBytes {
		return models.ProofMedia{}, fmt.Errorf("photo too large (>%d bytes)", s.maxBytes)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return models.ProofMedia{}, fmt.Errorf("decode photo: %w", err)
	}

	id := uuid.NewString()
	ext := formatExtension(format)
	key := fmt.Sprintf("%s/%s.%s", jobID, id, ext)
	objectURL, err := s.uploads.Upload(ctx, key, data, mimeForFormat(format))
	if err != nil {
		return models.ProofMedia{}, fmt.Errorf("upload photo: %w", err)
	}

	thumb := imaging.Resize(img, s.thumbWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return models.ProofMedia{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	thumbKey := fmt.Sprintf("%s/%s_thumb.jpg", jobID, id)
	thumbURL, err := s.uploads.Upload(ctx, thumbKey, buf.Bytes(), "image/jpeg")
	if err != nil {
		return models.ProofMedia{}, fmt.Errorf("upload thumbnail: %w", err)
	}

	m := models.ProofMedia{
		ID:           id,
		JobID:        jobID,
		UploaderID:   uploaderID,
		Purpose:      purpose,
		ObjectURL:    objectURL,
		ThumbnailURL: thumbURL,
		ContentType:  mimeForFormat(format),
		SizeBytes:    int64(len(data)),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.AddProofMedia(ctx, m); err != nil {
		return models.ProofMedia{}, err
	}
	return m, nil
}

func formatExtension(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "png"
	case "gif":
		return "gif"
	default:
		return "jpg"
	}
}

func mimeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	if strings.Contains(key, "..") {
		key = filepath.Clean(strings.ReplaceAll(key, "..", ""))
	}
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}
