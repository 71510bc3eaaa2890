package preflight

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/snapbackup/internal/model"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		url  string
		want Location
	}{
		{"s3:https://acct.r2.cloudflarestorage.com/backups/restic", Location{Endpoint: "https://acct.r2.cloudflarestorage.com", Bucket: "backups", Prefix: "restic"}},
		{"s3:http://minio:9000/bucket", Location{Endpoint: "http://minio:9000", Bucket: "bucket"}},
		{"s3:s3.amazonaws.com/bucket/a/b/", Location{Endpoint: "https://s3.amazonaws.com", Bucket: "bucket", Prefix: "a/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ParseURL(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseURL("/mnt/nas-backup/restic")
	assert.True(t, errors.Is(err, ErrNotS3))

	_, err = ParseURL("s3:https://host-only")
	assert.Error(t, err)
}

func newChecker(env map[string]string) *S3Checker {
	c := NewS3Checker(zerolog.Nop())
	c.lookup = func(k string) string { return env[k] }
	return c
}

func TestCheck_SkipsNonS3(t *testing.T) {
	c := newChecker(nil)
	assert.NoError(t, c.Check(context.Background(), model.Repository{Name: "local", URL: "/mnt/backup/restic"}))
}

func TestCheck_MissingCredentials(t *testing.T) {
	c := newChecker(nil)
	err := c.Check(context.Background(), model.Repository{Name: "offsite", URL: "s3:http://127.0.0.1:1/bucket"})
	assert.True(t, errors.Is(err, ErrNoCredentials))
}

func TestCheck_HeadBucket(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		if strings.HasPrefix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	envFile := filepath.Join(t.TempDir(), "r2.env")
	require.NoError(t, os.WriteFile(envFile, []byte("AWS_ACCESS_KEY_ID=AKIDTEST\nAWS_SECRET_ACCESS_KEY=secret\n"), 0o600))

	c := newChecker(nil)
	repo := model.Repository{Name: "offsite", URL: "s3:" + srv.URL + "/backups/restic", EnvironmentFile: envFile}

	require.NoError(t, c.Check(context.Background(), repo))
	assert.Equal(t, http.MethodHead, gotMethod)
	assert.Equal(t, "/backups", gotPath)
	assert.Contains(t, gotAuth, "AKIDTEST")

	repo.URL = "s3:" + srv.URL + "/missing"
	err := c.Check(context.Background(), repo)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBucketNotFound))
}

func TestCheck_ProcessEnvironmentCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newChecker(map[string]string{"AWS_ACCESS_KEY_ID": "AKIDENV", "AWS_SECRET_ACCESS_KEY": "secret"})
	err := c.Check(context.Background(), model.Repository{Name: "offsite", URL: "s3:" + srv.URL + "/backups"})
	assert.NoError(t, err)
}
