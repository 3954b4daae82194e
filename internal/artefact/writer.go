// Package artefact materializes tenant-visible content objects out of
// successful jobs. Everything here is a secondary effect: a mirror or
// thumbnail failure is logged and the artefact row (and the job itself) is
// unaffected.
package artefact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"content-engine/internal/config"
	"content-engine/internal/models"
)

// Store is the artefact slice of the Postgres store.
type Store interface {
	CreateArtefact(ctx context.Context, a models.Artefact) (models.Artefact, error)
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Writer creates artefact rows for completed jobs and optionally mirrors the
// provider asset into object storage.
type Writer struct {
	cfg        config.Config
	store      Store
	httpClient *http.Client
	s3         uploader
	logger     *slog.Logger
}

// NewWriter constructs the writer. S3 mirroring is enabled only when a
// bucket is configured.
func NewWriter(ctx context.Context, cfg config.Config, st Store, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var s3Upload uploader
	if cfg.ArtefactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ArtefactS3Bucket}
	}
	return &Writer{
		cfg:        cfg,
		store:      st,
		httpClient: &http.Client{Timeout: cfg.ArtefactTimeout},
		s3:         s3Upload,
		logger:     logger,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtefactS3Region),
	}
	if cfg.ArtefactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtefactS3Endpoint,
					HostnameImmutable: cfg.ArtefactS3PathStyle,
					SigningRegion:     cfg.ArtefactS3Region,
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
		o.UsePathStyle = cfg.ArtefactS3PathStyle
	}), nil
}

// WriteAsync runs Write on its own goroutine with its own failure path.
func (w *Writer) WriteAsync(job models.Job) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ArtefactTimeout)
		defer cancel()
		if err := w.Write(ctx, job); err != nil {
			w.logger.Warn("artefact write failed", "job_id", job.ID, "error", err)
		}
	}()
}

// Write creates one artefact per output asset of a completed job. Jobs in
// any other state, or without assets, produce nothing.
func (w *Writer) Write(ctx context.Context, job models.Job) error {
	if job.Status != models.StatusCompleted {
		return nil
	}
	assets := job.OutputAssets()
	if len(assets) == 0 {
		return nil
	}

	kind := kindForType(job.Type)
	for _, assetURL := range assets {
		a := models.Artefact{
			Tenant:      job.Tenant,
			SourceJobID: job.ID,
			Kind:        kind,
			URL:         assetURL,
		}

		if w.s3 != nil && isHTTP(assetURL) {
			mirrorKey, thumbKey, err := w.mirror(ctx, job, kind, assetURL)
			if err != nil {
				w.logger.Warn("artefact mirror failed", "job_id", job.ID, "url", assetURL, "error", err)
			} else {
				a.MirrorKey = mirrorKey
				a.ThumbKey = thumbKey
			}
		}

		if _, err := w.store.CreateArtefact(ctx, a); err != nil {
			return err
		}
		w.logger.Info("artefact created", "job_id", job.ID, "kind", kind)
	}
	return nil
}

// mirror downloads the provider asset and re-uploads it under our own key;
// image artefacts additionally get a thumbnail.
func (w *Writer) mirror(ctx context.Context, job models.Job, kind, assetURL string) (*string, *string, error) {
	data, contentType, err := w.download(ctx, assetURL)
	if err != nil {
		return nil, nil, err
	}

	key := mirrorKey(job, assetURL)
	if _, err := w.s3.Upload(ctx, key, data, contentType); err != nil {
		return nil, nil, fmt.Errorf("upload mirror: %w", err)
	}

	var thumbKey *string
	if kind == "image" {
		if tk, err := w.thumbnail(ctx, key, data); err != nil {
			w.logger.Warn("thumbnail failed", "job_id", job.ID, "error", err)
		} else {
			thumbKey = &tk
		}
	}
	return &key, thumbKey, nil
}

func (w *Writer) thumbnail(ctx context.Context, baseKey string, data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	width := w.cfg.ThumbnailWidth
	if width == 0 {
		width = 320
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	key := strings.TrimSuffix(baseKey, path.Ext(baseKey)) + "_thumb.jpg"
	if _, err := w.s3.Upload(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
		return "", fmt.Errorf("upload thumbnail: %w", err)
	}
	return key, nil
}

func (w *Writer) download(ctx context.Context, assetURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download asset: status %d", resp.StatusCode)
	}

	limit := w.cfg.ArtefactMaxBytes
	if limit == 0 {
		limit = 100 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read asset: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("asset too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func kindForType(jobType string) string {
	switch jobType {
	case models.TypeVideoGenerate:
		return "video"
	case models.TypeImageGenerate:
		return "image"
	case models.TypeArticleWrite:
		return "article"
	case models.TypeSocialPublish:
		return "post"
	default:
		return "asset"
	}
}

func isHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func mirrorKey(job models.Job, assetURL string) string {
	name := path.Base(assetURL)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == "/" {
		name = uuid.New().String()
	}
	return fmt.Sprintf("artefacts/%s/%s/%s", job.Tenant, job.ID, name)
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
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
