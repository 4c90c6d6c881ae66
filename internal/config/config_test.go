package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), ".env"))
	if err != nil {
		t.Fatalf("Load with missing .env: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if got := cfg.Symbols; len(got) != 1 || got[0] != "WHITEWHALEUSDT" {
		t.Errorf("Symbols = %v, want [WHITEWHALEUSDT]", got)
	}
	if cfg.Depth != 50 {
		t.Errorf("Depth = %d, want 50", cfg.Depth)
	}
	if cfg.BaseMmNotional != 30000 {
		t.Errorf("BaseMmNotional = %v, want 30000", cfg.BaseMmNotional)
	}
	if cfg.MetricsInterval != time.Second {
		t.Errorf("MetricsInterval = %v, want 1s", cfg.MetricsInterval)
	}
	if want := []float64{5, 10, 25, 50, 100, 200}; len(cfg.DistanceBinsBps) != len(want) {
		t.Errorf("DistanceBinsBps = %v, want %v", cfg.DistanceBinsBps, want)
	}
	if !cfg.LiveMonitoring {
		t.Error("LiveMonitoring should default to true")
	}
	if cfg.Addr() != "127.0.0.1:3000" {
		t.Errorf("Addr = %q, want 127.0.0.1:3000", cfg.Addr())
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := `# monitor settings
SYMBOLS=btcusdt, ethusdt
DEPTH=20
BASE_PATH=mon/
SPOT_POLL_MS=250
LIVE_MONITORING=false
`
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(envPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTCUSDT" || cfg.Symbols[1] != "ETHUSDT" {
		t.Errorf("Symbols = %v, want upper-cased pair", cfg.Symbols)
	}
	if cfg.Depth != 20 {
		t.Errorf("Depth = %d, want 20", cfg.Depth)
	}
	if cfg.BasePath != "/mon" {
		t.Errorf("BasePath = %q, want /mon", cfg.BasePath)
	}
	if cfg.SpotPollInterval != time.Second {
		t.Errorf("SpotPollInterval = %v, want clamp to 1s", cfg.SpotPollInterval)
	}
	if cfg.LiveMonitoring {
		t.Error("LiveMonitoring should be false")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("DEPTH=20\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DEPTH", "75")

	cfg, err := Load(envPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Depth != 75 {
		t.Errorf("Depth = %d, want env value 75 over file value 20", cfg.Depth)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Symbols:         []string{"BTCUSDT"},
			Depth:           50,
			MetricsInterval: time.Second,
			LogInterval:     time.Second,
			DistanceBinsBps: []float64{5, 10},
			Port:            3000,
		}
	}

	good := base()
	if err := good.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no symbols", func(c *Config) { c.Symbols = nil }},
		{"zero depth", func(c *Config) { c.Depth = 0 }},
		{"zero tick", func(c *Config) { c.MetricsInterval = 0 }},
		{"unsorted bins", func(c *Config) { c.DistanceBinsBps = []float64{10, 5} }},
		{"bad port", func(c *Config) { c.Port = 99999 }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate should fail", tc.name)
		}
	}
}

func TestParseFloatList(t *testing.T) {
	t.Parallel()

	got, err := parseFloatList("5, 10,25")
	if err != nil {
		t.Fatalf("parseFloatList: %v", err)
	}
	if len(got) != 3 || got[0] != 5 || got[1] != 10 || got[2] != 25 {
		t.Errorf("parseFloatList = %v", got)
	}

	if _, err := parseFloatList("1,x,3"); err == nil {
		t.Error("parseFloatList should reject non-numeric entries")
	}
}
