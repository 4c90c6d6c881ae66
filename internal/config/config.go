// Package config defines all configuration for the microstructure monitor.
// Every knob is an environment variable with a sane default; a local .env
// file (KEY=VALUE lines) fills gaps but never overrides the real
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	Symbols []string // exchange-neutral, upper-cased (e.g. WHITEWHALEUSDT)
	Depth   int      // top-N levels kept per book side

	BaseMmNotional         float64 // base notional bucket for large levels
	LargeMoveNotional      float64 // display threshold surfaced in /api/config
	LargeMoveWindowBps     float64 // scan window around mid for large moves
	LargeMoveNotionalFloor float64 // qualification floor for large moves

	SizeBins        []float64 // notional histogram bins (display)
	DistanceBinsBps []float64 // distance-from-mid histogram bins

	LogInterval      time.Duration // console status cadence
	MetricsInterval  time.Duration // tick cadence
	SpotPollInterval time.Duration // MEXC spot depth poll cadence, >= 1s

	DataDir  string
	BasePath string // URL prefix when running behind a reverse proxy
	LogLevel string

	LiveMonitoring bool // false = serve stores/API without venue connections

	Host string
	Port int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("symbols", "WHITEWHALEUSDT")
	v.SetDefault("depth", 50)
	v.SetDefault("base_mm_notional", 30000)
	v.SetDefault("large_move_notional", 30000)
	v.SetDefault("large_move_window_bps", 200)
	v.SetDefault("large_move_notional_floor", 2000)
	v.SetDefault("size_bins", "500,1000,2500,5000,10000,25000,50000")
	v.SetDefault("distance_bins_bps", "5,10,25,50,100,200")
	v.SetDefault("log_interval_ms", 5000)
	v.SetDefault("metrics_interval_ms", 1000)
	v.SetDefault("spot_poll_ms", 2000)
	v.SetDefault("data_dir", "data")
	v.SetDefault("base_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("live_monitoring", true)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 3000)
}

// Load reads the .env file at path (missing file is fine) and the process
// environment. Environment values always win over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
	}

	sizeBins, err := parseFloatList(v.GetString("size_bins"))
	if err != nil {
		return nil, fmt.Errorf("SIZE_BINS: %w", err)
	}
	distanceBins, err := parseFloatList(v.GetString("distance_bins_bps"))
	if err != nil {
		return nil, fmt.Errorf("DISTANCE_BINS_BPS: %w", err)
	}

	cfg := &Config{
		Symbols:                parseSymbols(v.GetString("symbols")),
		Depth:                  v.GetInt("depth"),
		BaseMmNotional:         v.GetFloat64("base_mm_notional"),
		LargeMoveNotional:      v.GetFloat64("large_move_notional"),
		LargeMoveWindowBps:     v.GetFloat64("large_move_window_bps"),
		LargeMoveNotionalFloor: v.GetFloat64("large_move_notional_floor"),
		SizeBins:               sizeBins,
		DistanceBinsBps:        distanceBins,
		LogInterval:            time.Duration(v.GetInt("log_interval_ms")) * time.Millisecond,
		MetricsInterval:        time.Duration(v.GetInt("metrics_interval_ms")) * time.Millisecond,
		SpotPollInterval:       time.Duration(v.GetInt("spot_poll_ms")) * time.Millisecond,
		DataDir:                v.GetString("data_dir"),
		BasePath:               normalizeBasePath(v.GetString("base_path")),
		LogLevel:               v.GetString("log_level"),
		LiveMonitoring:         v.GetBool("live_monitoring"),
		Host:                   v.GetString("host"),
		Port:                   v.GetInt("port"),
	}

	// The spot poller must not hammer the venue REST API.
	if cfg.SpotPollInterval < time.Second {
		cfg.SpotPollInterval = time.Second
	}

	return cfg, nil
}

// Validate checks value ranges that would make the monitor misbehave.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must name at least one symbol")
	}
	if c.Depth <= 0 {
		return fmt.Errorf("DEPTH must be > 0")
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL_MS must be > 0")
	}
	if c.LogInterval <= 0 {
		return fmt.Errorf("LOG_INTERVAL_MS must be > 0")
	}
	if len(c.DistanceBinsBps) == 0 {
		return fmt.Errorf("DISTANCE_BINS_BPS must name at least one bin")
	}
	for i := 1; i < len(c.DistanceBinsBps); i++ {
		if c.DistanceBinsBps[i] <= c.DistanceBinsBps[i-1] {
			return fmt.Errorf("DISTANCE_BINS_BPS must be strictly increasing")
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func parseSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFloatList(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p)
		}
		out = append(out, f)
	}
	return out, nil
}

// normalizeBasePath forces a leading slash and strips the trailing one,
// so "mon/" and "/mon" both mount routes under "/mon". Empty stays empty.
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}
