package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileArchiver_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileArchiver(dir)
	require.NoError(t, err)
	ctx := context.Background()

	loc, err := a.Put(ctx, "bundles/1-40.json", []byte(`{"entries":[]}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bundles", "1-40.json"), loc)

	got, err := a.Get(ctx, "bundles/1-40.json")
	require.NoError(t, err)
	assert.Equal(t, `{"entries":[]}`, string(got))
}

func TestFileArchiver_Immutable(t *testing.T) {
	a, err := NewFileArchiver(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Put(ctx, "b.json", []byte("one"))
	require.NoError(t, err)
	_, err = a.Put(ctx, "b.json", []byte("one"))
	require.NoError(t, err)

	_, err = a.Put(ctx, "b.json", []byte("two"))
	assert.ErrorIs(t, err, ErrImmutable)
}

func TestFileArchiver_Errors(t *testing.T) {
	a, err := NewFileArchiver(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Get(ctx, "missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, name := range []string{"", "/etc/passwd", "../escape", "a/../../b", "."} {
		_, err = a.Put(ctx, name, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestNew_Kinds(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, Config{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileArchiver{}, a)

	_, err = New(ctx, Config{Kind: KindS3})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = New(ctx, Config{Kind: KindGCS})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = New(ctx, Config{Kind: "azure"})
	assert.ErrorContains(t, err, "unsupported archive kind")
}

type preconditionErr struct{}

func (preconditionErr) Error() string       { return "PreconditionFailed" }
func (preconditionErr) HTTPStatusCode() int { return 412 }

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	if _, ok := f.objects[key]; ok && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, preconditionErr{}
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func TestS3Archiver(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	a := NewS3ArchiverWithClient(fake, "audit", "selfheal/")
	ctx := context.Background()

	loc, err := a.Put(ctx, "bundle-1.json", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "s3://audit/selfheal/bundle-1.json", loc)
	assert.Contains(t, fake.objects, "audit/selfheal/bundle-1.json")

	_, err = a.Put(ctx, "bundle-1.json", []byte("payload"))
	require.NoError(t, err)

	_, err = a.Put(ctx, "bundle-1.json", []byte("tampered"))
	assert.True(t, errors.Is(err, ErrImmutable))

	got, err := a.Get(ctx, "bundle-1.json")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	_, err = a.Get(ctx, "nope.json")
	assert.ErrorIs(t, err, ErrNotFound)
}
