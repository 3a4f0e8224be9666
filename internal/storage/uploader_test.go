package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Region:        "us-east-1",
		AccessKey:     "ak",
		SecretKey:     "sk",
		Bucket:        "bucket",
		PublicBaseURL: "https://cdn.example.com/",
	}
}

func TestNewUploader_Validation(t *testing.T) {
	cfg := validConfig()
	cfg.Bucket = ""
	_, err := NewUploader(cfg)
	assert.Error(t, err)

	cfg = validConfig()
	cfg.SecretKey = ""
	_, err = NewUploader(cfg)
	assert.Error(t, err)

	cfg = validConfig()
	cfg.PublicBaseURL = ""
	_, err = NewUploader(cfg)
	assert.Error(t, err)

	cfg.PresignTTL = 10 * time.Minute
	u, err := NewUploader(cfg)
	require.NoError(t, err)
	assert.True(t, u.private())

	u, err = NewUploader(validConfig())
	require.NoError(t, err)
	assert.Equal(t, "photos", u.cfg.Prefix)
	assert.False(t, u.private())
}

func TestObjectKeyAndURL(t *testing.T) {
	u, err := NewUploader(validConfig())
	require.NoError(t, err)
	u.now = func() time.Time { return time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC) }

	key := u.objectKey("image/png")
	assert.True(t, strings.HasPrefix(key, "photos/2024/03/09/"), key)
	assert.True(t, strings.HasSuffix(key, ".png"), key)
	assert.Equal(t, "https://cdn.example.com/"+key, u.publicURL(key))
}

func TestExtensionFromContentType(t *testing.T) {
	assert.Equal(t, ".jpg", extensionFromContentType("IMAGE/JPEG"))
	assert.Equal(t, ".webp", extensionFromContentType("image/webp"))
	assert.Equal(t, ".bin", extensionFromContentType("application/octet-stream"))
}

func TestUpload_PresignedURLAgainstFakeS3(t *testing.T) {
	var puts atomic.Int32
	var acl atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts.Add(1)
			acl.Store(r.Header.Get("X-Amz-Acl"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := validConfig()
	cfg.Endpoint = srv.URL
	cfg.UsePathStyle = true
	cfg.PresignTTL = 5 * time.Minute
	u, err := NewUploader(cfg)
	require.NoError(t, err)

	url, err := u.Upload(context.Background(), []byte("\xff\xd8\xff\xe0 jpeg"), "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), puts.Load())
	assert.Equal(t, "", acl.Load())
	assert.True(t, strings.HasPrefix(url, srv.URL+"/bucket/photos/"), url)
	assert.Contains(t, url, ".jpg")
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=300")
}
