package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Endpoint addresses the remote time-series write API. Loaded once at
// startup and never mutated.
type Endpoint struct {
	Org    string `json:"org" yaml:"org"`
	Bucket string `json:"bucket" yaml:"bucket"`
	URL    string `json:"url" yaml:"url"`
	Token  string `json:"token" yaml:"token"`
}

// DefaultEndpoint is used when no config file is given or the file does not exist.
func DefaultEndpoint() Endpoint {
	return Endpoint{
		Org:    "myorg",
		Bucket: "mybucket",
		URL:    "http://localhost:9999",
		Token:  "my-token",
	}
}

// LoadEndpoint reads the endpoint file at path. JSON is the default format;
// .yaml and .yml files are decoded as YAML. An empty path or a missing file
// yields DefaultEndpoint with found=false.
func LoadEndpoint(path string) (ep Endpoint, found bool, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultEndpoint(), false, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultEndpoint(), false, nil
		}
		return Endpoint{}, false, fmt.Errorf("read endpoint config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &ep); err != nil {
			return Endpoint{}, false, fmt.Errorf("parse endpoint config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, &ep); err != nil {
			return Endpoint{}, false, fmt.Errorf("parse endpoint config %s: %w", path, err)
		}
	}

	if err := ep.Validate(); err != nil {
		return Endpoint{}, false, fmt.Errorf("endpoint config %s: %w", path, err)
	}
	return ep, true, nil
}

// Validate requires every field and an http(s) URL with a host.
func (e Endpoint) Validate() error {
	for _, f := range []struct{ name, val string }{
		{"org", e.Org},
		{"bucket", e.Bucket},
		{"url", e.URL},
		{"token", e.Token},
	} {
		if strings.TrimSpace(f.val) == "" {
			return fmt.Errorf("missing field %q", f.name)
		}
	}

	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", e.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", e.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", e.URL)
	}
	return nil
}

// String omits the token so the endpoint can be logged.
func (e Endpoint) String() string {
	return fmt.Sprintf("org=%s bucket=%s url=%s", e.Org, e.Bucket, e.URL)
}
