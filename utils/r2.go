// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var r2Client *s3.Client
var r2Bucket string
var cdnBaseURL string

func InitR2() error {
	accountID := os.Getenv("CLOUDFLARE_ACCOUNT_ID")
	accessKeyID := os.Getenv("R2_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("R2_ACCESS_KEY_SECRET")
	r2Bucket = os.Getenv("R2_BUCKET_NAME")
	cdnBaseURL = os.Getenv("CDN_BASE_URL")
	if cdnBaseURL == "" {
		cdnBaseURL = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load R2 config: %w", err)
	}

	r2Client = s3.NewFromConfig(cfg)
	return nil
}

// All of a ritual's media lives under one rituals/<id>/ prefix, so a
// single prefix listing (or purge) covers the whole campaign.

// RitualBannerKey is the object key for a ritual's banner image.
func RitualBannerKey(ritualID, filename string) string {
	return fmt.Sprintf("rituals/%s/banner%s", ritualID, normalizedExt(filename))
}

// RitualRevealKey is the object key for one leak reveal's asset,
// addressed by its position in the reveal schedule.
func RitualRevealKey(ritualID string, revealIndex int, filename string) string {
	return fmt.Sprintf("rituals/%s/reveals/%d%s", ritualID, revealIndex, normalizedExt(filename))
}

func normalizedExt(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// contentTypeFor prefers the type the client declared, then the file
// extension, then a byte-stream fallback so R2 never rejects the PUT.
func contentTypeFor(fileHeader *multipart.FileHeader) string {
	if ct := fileHeader.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	if ct := mime.TypeByExtension(normalizedExt(fileHeader.Filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// UploadRitualMedia uploads a multipart file under the given ritual
// media key and returns the public CDN URL it will be served from.
func UploadRitualMedia(fileHeader *multipart.FileHeader, key string) (string, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	_, err = r2Client.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket:      aws.String(r2Bucket),
		Key:         aws.String(key),
		Body:        buf,
		ContentType: aws.String(contentTypeFor(fileHeader)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}

	// ✅ Return public CDN URL (prefer your custom CDN if set)
	return fmt.Sprintf("%s/%s", cdnBaseURL, key), nil
}
