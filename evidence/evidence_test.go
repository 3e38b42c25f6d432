package evidence

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"bountyflow/apperr"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	headErr error
}

func (f *fakeObjects) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func TestS3StoreIsContentAddressed(t *testing.T) {
	api := &fakeObjects{objects: map[string][]byte{}}
	st := NewS3StoreWithAPI(api, S3Config{Bucket: "evidence", Prefix: "milestones/"})
	ctx := context.Background()

	ev, err := st.Put(ctx, strings.NewReader("raw assay data"), "text/csv")
	require.NoError(t, err)
	require.Equal(t, Hash([]byte("raw assay data")), ev.ContentHash)
	require.Equal(t, int64(len("raw assay data")), ev.Size)
	require.True(t, strings.HasPrefix(ev.URL, "s3://evidence/milestones/"))

	again, err := st.Put(ctx, strings.NewReader("raw assay data"), "")
	require.NoError(t, err)
	require.Equal(t, ev, again)
	require.Equal(t, 1, api.puts)

	ok, err := st.Exists(ctx, ev.ContentHash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.Exists(ctx, Hash([]byte("other")))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestS3StoreSurfacesBackendFailures(t *testing.T) {
	api := &fakeObjects{objects: map[string][]byte{}, headErr: errors.New("access denied")}
	st := NewS3StoreWithAPI(api, S3Config{Bucket: "evidence"})

	_, err := st.Put(context.Background(), strings.NewReader("x"), "")
	require.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	require.Zero(t, api.puts)
}

func TestUploadLimits(t *testing.T) {
	st := NewMemoryStore(8)
	ctx := context.Background()

	_, err := st.Put(ctx, strings.NewReader("123456789"), "")
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = st.Put(ctx, strings.NewReader(""), "")
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	ev, err := st.Put(ctx, strings.NewReader("12345678"), "")
	require.NoError(t, err)
	data, err := st.Get(ctx, ev.ContentHash)
	require.NoError(t, err)
	require.Equal(t, "12345678", string(data))

	_, err = st.Exists(ctx, "md5:abc")
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
