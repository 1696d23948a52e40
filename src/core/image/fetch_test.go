package image

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"qa-image-collector/src/configs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkFetch_SendsBrowserHeaders(t *testing.T) {
	data := pngBytes(t)
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	s := NewNetworkFetchStrategy(configs.AcquireConfig{}, testLogger())
	payload, err := s.Fetch(context.Background(), AcquisitionRequest{SourceURL: srv.URL + "/img/a.png"})
	require.NoError(t, err)

	assert.Equal(t, configs.DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, acceptImage, got.Get("Accept"))
	assert.Equal(t, configs.DefaultAcceptLanguage, got.Get("Accept-Language"))
	assert.Equal(t, "no-cache", got.Get("Cache-Control"))
	assert.Equal(t, "no-cache", got.Get("Pragma"))
	assert.Equal(t, srv.URL+"/", got.Get("Referer"))
	assert.Empty(t, got.Get("Cookie"))

	assert.Equal(t, MimePNG, payload.MimeType)
	assert.Equal(t, int64(len(data)), payload.SizeBytes)
	assert.Equal(t, data, payload.Bytes)
}

func TestNetworkFetch_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewNetworkFetchStrategy(configs.AcquireConfig{}, testLogger())
	_, err := s.Fetch(context.Background(), AcquisitionRequest{SourceURL: srv.URL})

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestNetworkFetch_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	cfg := configs.AcquireConfig{}
	cfg.Security.MaxFileSize = 16
	_, err := NewNetworkFetchStrategy(cfg, testLogger()).Fetch(context.Background(), AcquisitionRequest{SourceURL: srv.URL})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestRefererFor(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "https地址", in: "https://img.example.com/a/b.jpg?x=1", want: "https://img.example.com/"},
		{name: "带端口", in: "http://127.0.0.1:8080/p.png", want: "http://127.0.0.1:8080/"},
		{name: "相对路径", in: "/a/b.png", want: ""},
		{name: "非法地址", in: "://bad", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, refererFor(tt.in))
		})
	}
}

func TestAlternateFetch_MobileProfileWins(t *testing.T) {
	data := jpegBytes(t)
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := r.Header.Get("User-Agent")
		seen = append(seen, r.Header.Get("Sec-Fetch-Mode"))
		if !strings.Contains(ua, "iPhone") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	s := NewAlternateFetchStrategy(configs.AcquireConfig{}, nil, testLogger())
	payload, err := s.Fetch(context.Background(), AcquisitionRequest{SourceURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, data, payload.Bytes)
	assert.Equal(t, []string{"no-cors", "cors", "cors"}, seen)
}

func TestAlternateFetch_CredentialsProfileSendsCookies(t *testing.T) {
	data := pngBytes(t)
	var calls int
	var credentialedUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if c, err := r.Cookie("session"); err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		credentialedUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, _ := url.Parse(srv.URL)
	jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "abc"}})

	s := NewAlternateFetchStrategy(configs.AcquireConfig{}, jar, testLogger())
	payload, err := s.Fetch(context.Background(), AcquisitionRequest{SourceURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, MimePNG, payload.MimeType)
	assert.Equal(t, 2, calls)
	assert.Equal(t, configs.DefaultUserAgent, credentialedUA)
}

func TestAlternateFetch_AllProfilesFail(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewAlternateFetchStrategy(configs.AcquireConfig{}, nil, testLogger())
	_, err := s.Fetch(context.Background(), AcquisitionRequest{SourceURL: srv.URL})
	assert.ErrorIs(t, err, ErrAllAlternatesExhausted)
	assert.Equal(t, 3, calls)
}

func TestNetworkFetch_DataURI(t *testing.T) {
	data := pngBytes(t)
	s := NewNetworkFetchStrategy(configs.AcquireConfig{}, testLogger())

	tests := []struct {
		name     string
		uri      string
		want     []byte
		wantMime string
	}{
		{name: "base64", uri: "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), want: data, wantMime: MimePNG},
		{name: "百分号编码", uri: "data:image/svg+xml,%3Csvg%20xmlns%3D%22http%3A%2F%2Fwww.w3.org%2F2000%2Fsvg%22%2F%3E", want: []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`), wantMime: "image/svg+xml"},
		{name: "未声明类型", uri: "data:;base64," + base64.StdEncoding.EncodeToString(data), want: data, wantMime: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := s.Fetch(context.Background(), AcquisitionRequest{SourceURL: tt.uri})
			require.NoError(t, err)
			assert.Equal(t, tt.want, payload.Bytes)
			assert.Equal(t, tt.wantMime, payload.MimeType)
			assert.Equal(t, StrategyNetwork, payload.Strategy)
		})
	}

	_, err := s.Fetch(context.Background(), AcquisitionRequest{SourceURL: "data:image/png;base64,!!!"})
	assert.Error(t, err)
}

func TestFetch_NonHTTPSchemeIsLeftToPage(t *testing.T) {
	network := NewNetworkFetchStrategy(configs.AcquireConfig{}, testLogger())
	_, err := network.Fetch(context.Background(), AcquisitionRequest{SourceURL: "blob:https://example.com/5f2c"})
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	alternate := NewAlternateFetchStrategy(configs.AcquireConfig{}, nil, testLogger())
	_, err = alternate.Fetch(context.Background(), AcquisitionRequest{SourceURL: "ftp://example.com/a.png"})
	assert.ErrorIs(t, err, ErrAllAlternatesExhausted)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
