package evidence

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

func TestLocalStore_Save(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)
	store.now = fixedNow

	ref, err := store.Save(context.Background(), "job-1", "alice", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "screenshots", "job-1", "alice_20260304_050607.png"), ref)

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}

type mockPutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (m *mockPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.input = in
	m.body, _ = io.ReadAll(in.Body)
	if m.err != nil {
		return nil, m.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Save(t *testing.T) {
	putter := &mockPutter{}
	store := &S3Store{client: putter, bucket: "evidence", now: fixedNow}

	ref, err := store.Save(context.Background(), "job-1", "alice", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "s3://evidence/job-1/alice_20260304_050607.png", ref)
	assert.Equal(t, "evidence", *putter.input.Bucket)
	assert.Equal(t, "image/png", *putter.input.ContentType)
	assert.Equal(t, "png", string(putter.body))

	putter.err = errors.New("access denied")
	_, err = store.Save(context.Background(), "job-1", "bob", []byte("png"))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	assert.IsType(t, &LocalStore{}, New(t.TempDir(), "", "", "", ""))
	assert.IsType(t, &S3Store{}, New("", "bucket", "eu-west-1", "key", "secret"))
}
