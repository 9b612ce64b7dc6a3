package evidence

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store keeps screenshots captured while a warning dialog is on screen
type Store interface {
	// Save stores a PNG and returns a reference recorded on the verdict
	Save(ctx context.Context, jobID, username string, png []byte) (string, error)
}

func objectKey(jobID, username string, at time.Time) string {
	return fmt.Sprintf("%s/%s_%s.png", jobID, username, at.UTC().Format("20060102_150405"))
}

// LocalStore writes screenshots under <dir>/screenshots
type LocalStore struct {
	dir string
	now func() time.Time
}

func NewLocalStore(dataDir string) *LocalStore {
	return &LocalStore{dir: filepath.Join(dataDir, "screenshots"), now: time.Now}
}

func (s *LocalStore) Save(_ context.Context, jobID, username string, png []byte) (string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(objectKey(jobID, username, s.now())))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create evidence dir: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
}

// objectPutter is the part of the S3 client the store uses
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads screenshots to a bucket
type S3Store struct {
	client objectPutter
	bucket string
	now    func() time.Time
}

func NewS3Store(bucket, region, accessKey, secretKey string) *S3Store {
	if region == "" {
		region = "us-west-2"
	}
	var awsConfig aws.Config
	if accessKey == "" || secretKey == "" {
		awsConfig = aws.Config{
			Region: region,
		}
	} else {
		awsConfig = aws.Config{
			Region:      region,
			Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		}
	}
	return &S3Store{client: s3.NewFromConfig(awsConfig), bucket: bucket, now: time.Now}
}

func (s *S3Store) Save(ctx context.Context, jobID, username string, png []byte) (string, error) {
	key := objectKey(jobID, username, s.now())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(png),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload screenshot: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// New picks S3 when a bucket is configured, the local data dir otherwise
func New(dataDir, bucket, region, accessKey, secretKey string) Store {
	if bucket != "" {
		return NewS3Store(bucket, region, accessKey, secretKey)
	}
	return NewLocalStore(dataDir)
}
