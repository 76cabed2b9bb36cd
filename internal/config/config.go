// Package config loads process-wide options from the server's /config
// document and derives the presentation values the client needs from them
// (terminal palette, contrast selection for overlays). It also owns the
// bearer-token plumbing: every sub-resource URL the client opens carries the
// token as a query parameter.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Colors is the terminal color scheme delivered by /config.
type Colors struct {
	Background string
	Foreground string
	Palette    [16]string
}

// UnmarshalJSON accepts the flat wire shape: background, foreground, and
// palette0 through palette15 as sibling keys.
func (c *Colors) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Background = raw["background"]
	c.Foreground = raw["foreground"]
	for i := 0; i < len(c.Palette); i++ {
		c.Palette[i] = raw[fmt.Sprintf("palette%d", i)]
	}
	return nil
}

// Config is the /config document.
type Config struct {
	Colors Colors `json:"colors"`
}

// WithToken appends the bearer token to a URL as ?token=<value>, preserving
// any query parameters already present. An empty token returns the URL
// unchanged.
func WithToken(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch retrieves and parses /config from the server base URL.
func Fetch(ctx context.Context, client *http.Client, baseURL, token string) (Config, error) {
	var cfg Config
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, WithToken(strings.TrimSuffix(baseURL, "/")+"/config", token), nil)
	if err != nil {
		return cfg, errors.Wrap(err, "config: build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return cfg, errors.Wrap(err, "config: fetch")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cfg, errors.Errorf("config: server returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cfg, errors.Wrap(err, "config: read body")
	}
	if err := json.Unmarshal(body, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parse")
	}
	return cfg, nil
}

// parseHex parses a #rrggbb color. Short forms and named colors are not in
// the wire contract.
func parseHex(s string) (r, g, b uint8, ok bool) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return 0, 0, 0, false
	}
	var v [3]uint8
	for i := 0; i < 3; i++ {
		var n int
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &n); err != nil {
			return 0, 0, 0, false
		}
		v[i] = uint8(n)
	}
	return v[0], v[1], v[2], true
}

// Luminance returns the perceived luminance of a #rrggbb color in [0,1].
// Unparseable colors report 0 so overlays default to light-on-dark.
func Luminance(hex string) float64 {
	r, g, b, ok := parseHex(hex)
	if !ok {
		return 0
	}
	return (0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)) / 255
}

// ContrastColor picks black or white for overlay text on the given
// background color.
func ContrastColor(background string) string {
	if Luminance(background) > 0.5 {
		return "#000000"
	}
	return "#ffffff"
}
