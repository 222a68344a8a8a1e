package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/report-pipeline/pkg/logger"
)

type fakeS3 struct {
	objects map[string]time.Time
	bodies  map[string]string
	types   map[string]string
	failPut bool
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut {
		return nil, errors.New("access denied")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = time.Now()
	f.bodies[key] = string(data)
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for k, mod := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k), LastModified: aws.Time(mod)})
		}
	}
	return out, nil
}

func newFake() *fakeS3 {
	return &fakeS3{objects: map[string]time.Time{}, bodies: map[string]string{}, types: map[string]string{}}
}

func TestStore(t *testing.T) {
	fake := newFake()
	s := &S3Storage{client: fake, bucketName: "artifacts", logger: logger.NewNop()}

	key, err := s.Store(context.Background(), strings.NewReader(`{"categories":[]}`), "jsons/acme/annual/2024/r/r_page_1.json")
	require.NoError(t, err)
	assert.Equal(t, "jsons/acme/annual/2024/r/r_page_1.json", key)
	assert.Equal(t, `{"categories":[]}`, fake.bodies[key])
	assert.Equal(t, "application/json", fake.types[key])

	fake.failPut = true
	_, err = s.Store(context.Background(), strings.NewReader("x"), "k")
	assert.ErrorContains(t, err, "failed to store object")
}

func TestPrune(t *testing.T) {
	fake := newFake()
	old := time.Now().Add(-48 * time.Hour)
	fake.objects["jsons/a.json"] = old
	fake.objects["jsons/b.json"] = time.Now()
	fake.objects["processed/c.json"] = old

	s := &S3Storage{client: fake, bucketName: "artifacts", logger: logger.NewNop()}
	n, err := s.Prune(context.Background(), "jsons/", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, fake.objects, "jsons/a.json")
	assert.Contains(t, fake.objects, "jsons/b.json")
	assert.Contains(t, fake.objects, "processed/c.json")
}
