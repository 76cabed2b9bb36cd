package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchParsesColors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/config", r.URL.Path)
		assert.Equal(t, "s3cret", r.URL.Query().Get("token"))
		w.Write([]byte(`{"colors":{"background":"#1e1e2e","foreground":"#cdd6f4","palette0":"#45475a","palette15":"#ffffff"}}`))
	}))
	defer srv.Close()

	cfg, err := Fetch(context.Background(), srv.Client(), srv.URL, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "#1e1e2e", cfg.Colors.Background)
	assert.Equal(t, "#cdd6f4", cfg.Colors.Foreground)
	assert.Equal(t, "#45475a", cfg.Colors.Palette[0])
	assert.Equal(t, "#ffffff", cfg.Colors.Palette[15])
	assert.Equal(t, "", cfg.Colors.Palette[7])
}

func TestWithToken(t *testing.T) {
	assert.Equal(t, "ws://host/ws/control?token=abc", WithToken("ws://host/ws/control", "abc"))
	assert.Equal(t, "ws://host/panel?id=3&token=abc", WithToken("ws://host/panel?id=3", "abc"))
	assert.Equal(t, "ws://host/ws/file", WithToken("ws://host/ws/file", ""))
}

func TestContrastColor(t *testing.T) {
	assert.Equal(t, "#ffffff", ContrastColor("#1e1e2e"))
	assert.Equal(t, "#000000", ContrastColor("#fafafa"))
	// unparseable backgrounds fall back to light-on-dark
	assert.Equal(t, "#ffffff", ContrastColor("transparent"))
}
