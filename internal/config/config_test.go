package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("STARSTACK_CONFIG", filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Alignment.Precision != 3.5 || cfg.Detection.Sensitivity != 100 || cfg.Detection.CeilingStars != 750 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Alignment.WarpMode != "compose" {
		t.Fatalf("warp mode = %q, want compose", cfg.Alignment.WarpMode)
	}
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"alignment": {"precision": 2, "warp_mode": "chain"}, "detection": {"target_stars": 300}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Alignment.Precision != 2 || cfg.Alignment.WarpMode != "chain" {
		t.Fatalf("alignment not applied: %+v", cfg.Alignment)
	}
	if cfg.Detection.TargetStars != 300 || cfg.Detection.CeilingStars != 750 {
		t.Fatalf("detection merge wrong: %+v", cfg.Detection)
	}
	if cfg.Alignment.Solver != "ransac" {
		t.Fatalf("untouched keys should keep defaults, solver = %q", cfg.Alignment.Solver)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "stacking:\n  parallel: 6\nserver:\n  addr: \":9000\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Stacking.Parallel != 6 || cfg.Server.Addr != ":9000" {
		t.Fatalf("yaml not applied: %+v %+v", cfg.Stacking, cfg.Server)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"alignment": {"precision": -1, "warp_mode": "spiral"}, "detection": {"target_stars": 900}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"precision", "warp_mode", "ceiling_stars"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/x/y.json")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x/y.json") {
		t.Fatalf("expandUser = %q", got)
	}
	if got, _ := expandUser("/abs"); got != "/abs" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
