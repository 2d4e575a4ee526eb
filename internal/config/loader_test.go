package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalRoute = `
routes:
  - id: stress
    path: /api-stress-test
    path_prefix: true
    uri: http://stress-backend:8080
    filters:
      - name: PrefixAwareForwarding
        args:
          prefix: /api-stress-test
`

func TestLoaderParse(t *testing.T) {
	yaml := `
listener:
  address: ":9000"
  read_timeout: 10s
logging:
  level: debug
access_log:
  buffer_size: 16
` + minimalRoute

	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listener.Address != ":9000" {
		t.Errorf("expected address :9000, got %s", cfg.Listener.Address)
	}
	if cfg.Listener.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Listener.ReadTimeout)
	}
	if cfg.Listener.WriteTimeout != 30*time.Second {
		t.Errorf("expected default write_timeout 30s, got %v", cfg.Listener.WriteTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
	if cfg.AccessLog.BufferSize != 16 {
		t.Errorf("expected buffer_size 16, got %d", cfg.AccessLog.BufferSize)
	}
	if !cfg.AccessLog.Errors {
		t.Error("expected error access log enabled by default")
	}

	if len(cfg.Routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(cfg.Routes))
	}
	r := cfg.Routes[0]
	if r.ID != "stress" || !r.PathPrefix || r.URI != "http://stress-backend:8080" {
		t.Errorf("unexpected route %+v", r)
	}
	if len(r.Filters) != 1 || r.Filters[0].Name != "PrefixAwareForwarding" {
		t.Fatalf("unexpected filters %+v", r.Filters)
	}
	if got := r.Filters[0].Args["prefix"]; got != "/api-stress-test" {
		t.Errorf("expected prefix arg, got %q", got)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("TEST_BACKEND", "http://from-env:8080")

	yaml := `
routes:
  - id: env
    path: /env
    uri: ${TEST_BACKEND}
    filters:
      - name: X
        args:
          keep: ${TEST_UNSET_VARIABLE}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Routes[0].URI != "http://from-env:8080" {
		t.Errorf("expected expanded uri, got %s", cfg.Routes[0].URI)
	}
	if got := cfg.Routes[0].Filters[0].Args["keep"]; got != "${TEST_UNSET_VARIABLE}" {
		t.Errorf("unset variable should be kept, got %q", got)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "empty listener",
			yaml:    "listener:\n  address: \"\"\n",
			wantErr: "address is required",
		},
		{
			name:    "bad log level",
			yaml:    "logging:\n  level: verbose\n",
			wantErr: "invalid level",
		},
		{
			name:    "sample rate out of range",
			yaml:    "tracing:\n  sample_rate: 2\n",
			wantErr: "sample_rate",
		},
		{
			name:    "missing id",
			yaml:    "routes:\n  - path: /a\n    uri: http://a\n",
			wantErr: "id is required",
		},
		{
			name:    "duplicate id",
			yaml:    "routes:\n  - id: a\n    path: /a\n    uri: http://a\n  - id: a\n    path: /b\n    uri: http://b\n",
			wantErr: "duplicate route id",
		},
		{
			name:    "relative path",
			yaml:    "routes:\n  - id: a\n    path: a\n    uri: http://a\n",
			wantErr: "path must start with /",
		},
		{
			name:    "bad scheme",
			yaml:    "routes:\n  - id: a\n    path: /a\n    uri: ftp://a\n",
			wantErr: "scheme",
		},
		{
			name:    "missing host",
			yaml:    "routes:\n  - id: a\n    path: /a\n    uri: \"http:///x\"\n",
			wantErr: "host",
		},
		{
			name:    "bad method",
			yaml:    "routes:\n  - id: a\n    path: /a\n    uri: http://a\n    methods: [FETCH]\n",
			wantErr: "invalid method",
		},
		{
			name:    "bad header regex",
			yaml:    "routes:\n  - id: a\n    path: /a\n    uri: http://a\n    match:\n      headers:\n        - name: X-V\n          regex: \"[\"\n",
			wantErr: "invalid regex",
		},
		{
			name:    "ambiguous query matcher",
			yaml:    "routes:\n  - id: a\n    path: /a\n    uri: http://a\n    match:\n      query:\n        - name: q\n          value: x\n          regex: x\n",
			wantErr: "exactly one",
		},
		{
			name:    "unnamed filter",
			yaml:    "routes:\n  - id: a\n    path: /a\n    uri: http://a\n    filters:\n      - args: {prefix: /a}\n",
			wantErr: "name is required",
		},
		{
			name:    "unnamed default filter",
			yaml:    "default_filters:\n  - args: {}\n",
			wantErr: "default_filters[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoaderLoadMissingFile(t *testing.T) {
	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(minimalRoute), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Routes) != 1 {
		t.Errorf("expected 1 route, got %d", len(cfg.Routes))
	}
}
