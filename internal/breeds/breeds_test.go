package breeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogueServer(t *testing.T, status int, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		if r.Header.Get("x-api-key") != "secret" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCatAPIRecognizes(t *testing.T) {
	srv := catalogueServer(t, http.StatusOK, `[{"id":"siam","name":"Siamese"},{"id":"beng","name":"Bengal"}]`, nil)
	v := CatAPI{URL: srv.URL, APIKey: "secret"}

	ok, err := v.IsRecognized(context.Background(), "siamese")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.IsRecognized(context.Background(), "Tabby")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatAPIUnavailable(t *testing.T) {
	srv := catalogueServer(t, http.StatusInternalServerError, `oops`, nil)
	_, err := CatAPI{URL: srv.URL, APIKey: "secret"}.IsRecognized(context.Background(), "Siamese")
	assert.ErrorIs(t, err, ErrUnavailable)

	bad := catalogueServer(t, http.StatusOK, `{"not":"a list"}`, nil)
	_, err = CatAPI{URL: bad.URL, APIKey: "secret"}.IsRecognized(context.Background(), "Siamese")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = CatAPI{URL: srv.URL}.IsRecognized(context.Background(), "Siamese")
	assert.ErrorIs(t, err, ErrUnavailable, "unauthorized responses are not a rejection")
}

func TestCatAPITimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := CatAPI{URL: srv.URL}.IsRecognized(ctx, "Siamese")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStatic(t *testing.T) {
	v := Static{Names: []string{"Siamese", " Maine Coon "}}
	ok, _ := v.IsRecognized(context.Background(), "maine coon")
	assert.True(t, ok)
	ok, _ = v.IsRecognized(context.Background(), "")
	assert.False(t, ok)
}

func TestCachedKeepsAnswers(t *testing.T) {
	var hits int32
	srv := catalogueServer(t, http.StatusOK, `[{"name":"Siamese"}]`, &hits)
	v := NewCached(CatAPI{URL: srv.URL, APIKey: "secret"}, 16, time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := v.IsRecognized(context.Background(), "Siamese")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := v.IsRecognized(context.Background(), "Sphynx")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestCachedSkipsErrors(t *testing.T) {
	var hits int32
	srv := catalogueServer(t, http.StatusBadGateway, ``, &hits)
	v := NewCached(CatAPI{URL: srv.URL, APIKey: "secret"}, 16, time.Minute)
	for i := 0; i < 2; i++ {
		_, err := v.IsRecognized(context.Background(), "Siamese")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}
