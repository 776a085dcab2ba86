package main

import (
	"testing"
)

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("OGRAF_RENDERER_LAYERS", "3")

	cfg, err := loadConfig([]string{"-server", "https://ograf.example.com", "-namespace", "a1b2c3d4e5f6"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	r := cfg.Renderer
	if r.ServerURL != "https://ograf.example.com" || r.Namespace != "a1b2c3d4e5f6" || r.Layers != 3 {
		t.Errorf("Unexpected renderer config: %+v", r)
	}
}

func TestLoadConfig_RejectsBadServer(t *testing.T) {
	if _, err := loadConfig([]string{"-server", "ftp://example.com"}); err == nil {
		t.Error("Expected unsupported scheme to fail")
	}
}
