package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	PutObjectFunc func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return m.PutObjectFunc(ctx, params, optFns...)
}

func TestArchive(t *testing.T) {
	raw := []byte(`{"type":"FeatureCollection","features":[]}`)
	tests := []struct {
		name     string
		prefix   string
		wantKey  string
		wantErr  bool
		putError error
	}{
		{name: "with prefix", prefix: "layersync", wantKey: "layersync/aims-channel/run-1.json"},
		{name: "nested prefix", prefix: "raw/wfs/", wantKey: "raw/wfs/aims-channel/run-1.json"},
		{name: "no prefix", prefix: "", wantKey: "aims-channel/run-1.json"},
		{name: "put fails", prefix: "layersync", wantKey: "layersync/aims-channel/run-1.json", putError: errors.New("AccessDenied"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *s3.PutObjectInput
			var body []byte
			m := &mockS3{PutObjectFunc: func(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
				got = params
				var err error
				body, err = io.ReadAll(params.Body)
				if err != nil {
					return nil, err
				}
				if tt.putError != nil {
					return nil, tt.putError
				}
				return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
			}}
			a, err := NewS3WithClient(m, "raw-wfs", tt.prefix)
			require.NoError(t, err)

			location, err := a.Archive(context.Background(), "aims-channel", "run-1", raw)
			require.NotNil(t, got)
			assert.Equal(t, "raw-wfs", aws.ToString(got.Bucket))
			assert.Equal(t, tt.wantKey, aws.ToString(got.Key))
			if tt.wantErr {
				require.ErrorIs(t, err, tt.putError)
				assert.Contains(t, err.Error(), "s3://raw-wfs/"+tt.wantKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "s3://raw-wfs/"+tt.wantKey, location)
			assert.Equal(t, raw, body)
			assert.Equal(t, int64(len(raw)), aws.ToInt64(got.ContentLength))
			assert.Equal(t, ContentType, aws.ToString(got.ContentType))
			assert.Equal(t, map[string]string{"dataset": "aims-channel", "run-id": "run-1"}, got.Metadata)
		})
	}
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3WithClient(&mockS3{}, "", "layersync")
	require.ErrorIs(t, err, ErrNoBucket)
}
