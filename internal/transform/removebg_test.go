package transform

import (
	"bytes"
	"context"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/pixeljobs/internal/errs"
)

func TestRemoveBackground_OK(t *testing.T) {
	t.Parallel()

	var gotUpload []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/remove" {
			http.Error(w, "bad route", http.StatusNotFound)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotUpload, _ = io.ReadAll(f)
		var buf bytes.Buffer
		_ = png.Encode(&buf, testImage(3, 3))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	rb := NewRemoveBackground(srv.URL+"/", time.Second, nil)
	in := encodedJPEG(t, 3, 3)
	out, err := rb.Run(context.Background(), Input{Data: in, MediaType: "image/jpeg"}, nil)
	require.NoError(t, err)
	require.Equal(t, "image/png", out.MediaType)
	require.Equal(t, in, gotUpload)
}

func TestRemoveBackground_StatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		marker error
	}{
		{http.StatusServiceUnavailable, errs.ErrTransient},
		{http.StatusTooManyRequests, errs.ErrTransient},
		{http.StatusBadRequest, errs.ErrPermanent},
		{http.StatusUnsupportedMediaType, errs.ErrPermanent},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		rb := NewRemoveBackground(srv.URL, time.Second, nil)
		_, err := rb.Run(context.Background(), Input{Data: []byte("x")}, nil)
		srv.Close()
		require.ErrorIs(t, err, tc.marker, "status %d", tc.status)
	}
}

func TestRemoveBackground_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rb := NewRemoveBackground(url, time.Second, nil)
	_, err := rb.Run(context.Background(), Input{Data: []byte("x")}, nil)
	require.ErrorIs(t, err, errs.ErrTransient)
	require.True(t, IsTransient(err))
}

func TestRemoveBackground_NonImageIsPermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	defer srv.Close()

	_, err := NewRemoveBackground(srv.URL, time.Second, nil).Run(context.Background(), Input{Data: []byte("x")}, nil)
	require.ErrorIs(t, err, errs.ErrPermanent)
}
