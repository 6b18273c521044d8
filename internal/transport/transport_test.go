package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/models"
)

func sampleObject(body string) Object {
	rec := models.FileRecord{ID: "abc-123", DisplayName: "medical_file_20260101_000000.enc", Category: models.CategoryLabResult}
	return Object{Record: rec, Body: strings.NewReader(body), Size: int64(len(body))}
}

func TestRegistry(t *testing.T) {
	assert.Subset(t, Names(), []string{"http", "noop", "s3"})

	u, err := New(context.Background(), "noop", Options{})
	require.NoError(t, err)
	assert.Equal(t, "noop", u.Name())

	_, err = New(context.Background(), "ftp", Options{})
	require.ErrorIs(t, err, ErrUnknownTransport)

	_, err = New(context.Background(), "http", Options{UploadURL: "not a url"})
	require.Error(t, err)
}

type recordingUploader struct{ got []Object }

func (r *recordingUploader) Name() string { return "rec" }
func (r *recordingUploader) Upload(_ context.Context, obj Object) error {
	r.got = append(r.got, obj)
	return nil
}

func TestRegister_CustomFactory(t *testing.T) {
	rec := &recordingUploader{}
	Register("rec", func(context.Context, Options) (Uploader, error) { return rec, nil })
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, "rec")
		registryMu.Unlock()
	})

	u, err := New(context.Background(), "rec", Options{})
	require.NoError(t, err)
	require.NoError(t, u.Upload(context.Background(), sampleObject("x")))
	assert.Len(t, rec.got, 1)
}

func TestNoop(t *testing.T) {
	require.NoError(t, Noop{}.Upload(context.Background(), sampleObject("ciphertext")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Noop{}.Upload(ctx, sampleObject("x")), context.Canceled)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "vault/abc-123.enc", ObjectKey("vault/", models.FileRecord{ID: "abc-123"}))
}

func TestHTTPUploader(t *testing.T) {
	var gotPath, gotID string
	var gotBody []byte
	status := http.StatusOK

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotID = r.Header.Get("X-Medvault-Id")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
	}))
	defer ts.Close()

	u, err := NewHTTPUploader(ts.URL+"/bucket/", ts.Client())
	require.NoError(t, err)

	t.Run("ok", func(t *testing.T) {
		require.NoError(t, u.Upload(context.Background(), sampleObject("sealed")))
		assert.Equal(t, "/bucket/abc-123.enc", gotPath)
		assert.Equal(t, "abc-123", gotID)
		assert.Equal(t, "sealed", string(gotBody))
	})

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusBadRequest, true},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			status = tt.status
			err := u.Upload(context.Background(), sampleObject("sealed"))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
			assert.Equal(t, !tt.permanent, errors.Is(err, common.ErrTransientSync))
		})
	}
}

func TestHTTPUploader_NetworkErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	u, err := NewHTTPUploader(url, nil)
	require.NoError(t, err)

	err = u.Upload(context.Background(), sampleObject("x"))
	require.ErrorIs(t, err, common.ErrTransientSync)
}
