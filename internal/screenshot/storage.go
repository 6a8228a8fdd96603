// Package screenshot stores the still image captured for each fall event.
// Uploads go to MinIO when it is reachable at startup, else to a local
// directory for the process lifetime.
package screenshot

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/guardsys/guard/internal/config"
)

// Storage uploads JPEG screenshots and returns a reference usable in events
// and notifications.
type Storage struct {
	cfg    config.ScreenshotConfig
	client *minio.Client // nil in local mode
	logger *zap.Logger
}

// New probes MinIO when configured; on failure the storage runs in local
// directory mode.
func New(cfg config.ScreenshotConfig, logger *zap.Logger) (*Storage, error) {
	s := &Storage{cfg: cfg, logger: logger.Named("screenshots")}

	if cfg.Minio.Endpoint != "" {
		client, err := minio.New(cfg.Minio.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Minio.AccessKey, cfg.Minio.SecretKey, ""),
			Secure: cfg.Minio.UseSSL,
		})
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
			err = ensureBucket(ctx, client, cfg.Minio.Bucket)
			cancel()
		}
		if err != nil {
			s.logger.Warn("object storage unreachable, using local screenshot directory",
				zap.Error(err))
		} else {
			s.client = client
			s.logger.Info("screenshot storage using MinIO",
				zap.String("bucket", cfg.Minio.Bucket))
			return s, nil
		}
	}

	if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
		return nil, fmt.Errorf("create screenshot directory: %w", err)
	}
	return s, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// Capture encodes the Mat as JPEG, downscaling first when it exceeds the
// configured bounds.
func (s *Storage) Capture(mat gocv.Mat) ([]byte, error) {
	if mat.Ptr() == nil || mat.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	src := mat
	scaled := false
	if (s.cfg.MaxWidth > 0 && mat.Cols() > s.cfg.MaxWidth) ||
		(s.cfg.MaxHeight > 0 && mat.Rows() > s.cfg.MaxHeight) {
		scaleW := float64(s.cfg.MaxWidth) / float64(mat.Cols())
		scaleH := float64(s.cfg.MaxHeight) / float64(mat.Rows())
		scale := scaleW
		if scaleH < scale {
			scale = scaleH
		}
		resized := gocv.NewMat()
		gocv.Resize(mat, &resized, image.Pt(0, 0), scale, scale, gocv.InterpolationArea)
		src = resized
		scaled = true
	}
	if scaled {
		defer src.Close()
	}

	quality := s.cfg.JPEGQuality
	if quality <= 0 {
		quality = 85
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, src,
		[]int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// Upload stores the JPEG payload and returns its reference. MinIO uploads
// are retried with exponential backoff; local writes are not.
func (s *Storage) Upload(ctx context.Context, userID, eventID string, jpeg []byte) (string, error) {
	if len(jpeg) == 0 {
		return "", fmt.Errorf("empty screenshot payload")
	}

	if s.client == nil {
		return s.uploadLocal(userID, eventID, jpeg)
	}

	key := fmt.Sprintf("%s/%s.jpg", userID, eventID)
	op := func() error {
		_, err := s.client.PutObject(ctx, s.cfg.Minio.Bucket, key,
			bytes.NewReader(jpeg), int64(len(jpeg)),
			minio.PutObjectOptions{ContentType: "image/jpeg"})
		return err
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.MaxElapsedTime = s.cfg.Timeout
	if err := backoff.Retry(op, backoff.WithContext(ebo, ctx)); err != nil {
		return "", fmt.Errorf("upload screenshot %s: %w", key, err)
	}

	s.logger.Debug("screenshot uploaded",
		zap.String("key", key), zap.Int("bytes", len(jpeg)))
	return fmt.Sprintf("s3://%s/%s", s.cfg.Minio.Bucket, key), nil
}

func (s *Storage) uploadLocal(userID, eventID string, jpeg []byte) (string, error) {
	dir := filepath.Join(s.cfg.LocalDir, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create user screenshot directory: %w", err)
	}
	path := filepath.Join(dir, eventID+".jpg")
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	s.logger.Debug("screenshot stored locally", zap.String("path", abs))
	return "file://" + abs, nil
}

// Mode identifies the active backend.
func (s *Storage) Mode() string {
	if s.client != nil {
		return "minio"
	}
	return "local"
}
