package detail

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/syncengine/listingsync/config"
)

const maxMediaBytes = 50 * 1024 * 1024

// Uploaded is one archived image: its S3 key, content hash, and public URL.
type Uploaded struct {
	Key         string
	ContentHash string
	PublicURL   string
	IsDuplicate bool
}

// MediaUploader downloads a CanonicalProperty's scraped image URLs,
// content-hashes them, and archives them to S3-compatible storage,
// skipping uploads whose hash was already archived by another listing.
type MediaUploader struct {
	client     *s3.Client
	cfg        appconfig.MediaS3Config
	httpClient *http.Client
	seenHashes map[string]string // content hash -> s3 key, in-process dedup cache
}

func NewMediaUploader(ctx context.Context, cfg appconfig.MediaS3Config) (*MediaUploader, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("detail: load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &MediaUploader{
		client:     client,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		seenHashes: make(map[string]string),
	}, nil
}

// ArchiveImages downloads and uploads every image URL for one property,
// keyed under images/{propertyID prefix}/{hash}.{ext}, and returns the
// public URLs in the same order the source URLs were given in so callers
// can feed the result straight into CanonicalProperty.Images.
func (u *MediaUploader) ArchiveImages(ctx context.Context, propertyID string, urls []string) []string {
	archived := make([]string, 0, len(urls))
	for _, imgURL := range urls {
		result, err := u.archiveOne(ctx, propertyID, imgURL)
		if err != nil {
			continue
		}
		archived = append(archived, result.PublicURL)
	}
	return archived
}

func (u *MediaUploader) archiveOne(ctx context.Context, propertyID, imgURL string) (Uploaded, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imgURL, nil)
	if err != nil {
		return Uploaded{}, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "image/*,*/*")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return Uploaded{}, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Uploaded{}, fmt.Errorf("download status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return Uploaded{}, fmt.Errorf("read body: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if existingKey, ok := u.seenHashes[hash]; ok {
		return Uploaded{Key: existingKey, ContentHash: hash, PublicURL: u.publicURL(existingKey), IsDuplicate: true}, nil
	}

	ext := guessImageExt(imgURL, resp.Header.Get("Content-Type"))
	key := fmt.Sprintf("images/%s/%s%s", propertyID[:min(8, len(propertyID))], hash, ext)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}

	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}); err != nil {
		return Uploaded{}, fmt.Errorf("put object: %w", err)
	}

	u.seenHashes[hash] = key
	return Uploaded{Key: key, ContentHash: hash, PublicURL: u.publicURL(key)}, nil
}

func (u *MediaUploader) publicURL(key string) string {
	if u.cfg.Endpoint != "" && strings.Contains(u.cfg.Endpoint, "digitaloceanspaces.com") {
		host := strings.TrimPrefix(u.cfg.Endpoint, "https://")
		return fmt.Sprintf("https://%s.%s/%s", u.cfg.Bucket, host, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
}

func guessImageExt(url, contentType string) string {
	ext := strings.ToLower(path.Ext(url))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return ext
	}
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
