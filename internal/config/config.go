// Package config assembles the monitor configuration from defaults, a JSON
// scenario file, a .env file, CONJ_* environment variables and flags, in
// that order of increasing precedence.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/signalsfoundry/conjunction-monitor/core"
	"github.com/signalsfoundry/conjunction-monitor/internal/comms"
	"github.com/signalsfoundry/conjunction-monitor/kb"
	"github.com/signalsfoundry/conjunction-monitor/model"
)

// ErrConfiguration marks every error that should stop the process at
// startup.
var ErrConfiguration = errors.New("configuration error")

// EnvPrefix is prepended to upper-cased setting keys to form variable names.
const EnvPrefix = "CONJ_"

// Config is the complete monitor configuration.
type Config struct {
	Bodies []model.BodyDefinition
	Links  [][2]string

	ThresholdKm        float64
	EpsilonKm          float64
	MitigationMode     model.MitigationMode
	MitigationDuration time.Duration
	DeltaVKmS          float64

	Tick        time.Duration
	Accelerated bool
	Start       time.Time     // zero means wall clock at startup
	Duration    time.Duration // zero runs until signalled

	BasePort       int
	PortSpacing    int
	RetrySpacing   int
	BindAttempts   int
	ReceiveTimeout time.Duration
	PeerHost       string
	Telemetry      bool
	SendRate       float64 // messages per second, 0 = unpaced

	EventLog      string
	EventLogMaxMB int
	MetricsAddr   string // empty disables the metrics server
}

// Default returns the built-in settings with no bodies.
func Default() Config {
	return Config{
		ThresholdKm:        core.DefaultThresholdKm,
		EpsilonKm:          core.DefaultEpsilonKm,
		MitigationMode:     model.ModePause,
		MitigationDuration: 20 * time.Second,
		DeltaVKmS:          0.01,
		Tick:               5 * time.Second,
		BasePort:           5000,
		PortSpacing:        1,
		RetrySpacing:       comms.DefaultRetrySpacing,
		BindAttempts:       comms.DefaultBindAttempts,
		ReceiveTimeout:     comms.DefaultReadTimeout,
		PeerHost:           "127.0.0.1",
		Telemetry:          true,
		EventLog:           "events.csv",
		EventLogMaxMB:      10,
		MetricsAddr:        ":9090",
	}
}

type setting struct {
	key   string
	usage string
	set   func(c *Config, v string) error
}

var settings = []setting{
	{"threshold_km", "proximity risk threshold in km", floatSetter(func(c *Config) *float64 { return &c.ThresholdKm })},
	{"epsilon_km", "separations below this are treated as bad data", floatSetter(func(c *Config) *float64 { return &c.EpsilonKm })},
	{"mitigation_mode", "pause or maneuver", func(c *Config, v string) error {
		m, err := model.ParseMitigationMode(strings.ToLower(v))
		if err != nil {
			return err
		}
		c.MitigationMode = m
		return nil
	}},
	{"mitigation_duration", "how long a mitigation lasts", durationSetter(func(c *Config) *time.Duration { return &c.MitigationDuration })},
	{"delta_v_km_s", "maneuver delta-v magnitude in km/s", floatSetter(func(c *Config) *float64 { return &c.DeltaVKmS })},
	{"tick", "coordination tick interval", durationSetter(func(c *Config) *time.Duration { return &c.Tick })},
	{"accelerated", "step time by tick from start instead of using the wall clock", boolSetter(func(c *Config) *bool { return &c.Accelerated })},
	{"start", "RFC3339 start time for accelerated runs", func(c *Config, v string) error {
		if v == "" {
			c.Start = time.Time{}
			return nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return err
		}
		c.Start = t.UTC()
		return nil
	}},
	{"duration", "stop after this much simulated time, 0 runs until signalled", durationSetter(func(c *Config) *time.Duration { return &c.Duration })},
	{"base_port", "listener port of the first body", intSetter(func(c *Config) *int { return &c.BasePort })},
	{"port_spacing", "port distance between consecutive bodies", intSetter(func(c *Config) *int { return &c.PortSpacing })},
	{"retry_spacing", "port offset between listener bind attempts", intSetter(func(c *Config) *int { return &c.RetrySpacing })},
	{"bind_attempts", "listener bind attempts before giving up", intSetter(func(c *Config) *int { return &c.BindAttempts })},
	{"receive_timeout", "listener read timeout", durationSetter(func(c *Config) *time.Duration { return &c.ReceiveTimeout })},
	{"peer_host", "host that body listeners are reached on", stringSetter(func(c *Config) *string { return &c.PeerHost })},
	{"telemetry", "exchange position telemetry between safe pairs", boolSetter(func(c *Config) *bool { return &c.Telemetry })},
	{"send_rate", "dispatcher messages per second, 0 for no limit", floatSetter(func(c *Config) *float64 { return &c.SendRate })},
	{"event_log", "CSV event log path", stringSetter(func(c *Config) *string { return &c.EventLog })},
	{"event_log_max_mb", "event log size before rotation", intSetter(func(c *Config) *int { return &c.EventLogMaxMB })},
	{"metrics_addr", "Prometheus listen address, empty to disable", stringSetter(func(c *Config) *string { return &c.MetricsAddr })},
}

// boolSettings may be given as bare flags.
var boolSettings = map[string]bool{"accelerated": true, "telemetry": true}

// Load builds a Config from args (without the program name). lookupEnv
// defaults to os.LookupEnv. Process variables take precedence over the .env
// file.
func Load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	fs := flag.NewFlagSet("conjunction-monitor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "JSON scenario file with bodies, links and settings")
	tlePath := fs.String("tle", "", "three-line TLE file with additional bodies")
	envPath := fs.String("env", ".env", "dotenv file to load, if present")

	flagValues := map[string]string{}
	for _, s := range settings {
		key := s.key
		record := func(v string) error {
			flagValues[key] = v
			return nil
		}
		if boolSettings[key] {
			fs.BoolFunc(flagName(key), s.usage, record)
		} else {
			fs.Func(flagName(key), s.usage, record)
		}
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", ErrConfiguration, fs.Args())
	}

	cfg := Default()

	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return nil, err
		}
	}

	dotenv, err := readDotenv(*envPath)
	if err != nil {
		return nil, err
	}
	env := func(k string) (string, bool) {
		if v, ok := lookupEnv(k); ok {
			return v, true
		}
		v, ok := dotenv[k]
		return v, ok
	}
	for _, s := range settings {
		name := EnvPrefix + strings.ToUpper(s.key)
		if v, ok := env(name); ok {
			if err := s.set(&cfg, strings.TrimSpace(v)); err != nil {
				return nil, fmt.Errorf("%w: %s=%q: %v", ErrConfiguration, name, v, err)
			}
		}
	}

	for _, s := range settings {
		if v, ok := flagValues[s.key]; ok {
			if err := s.set(&cfg, v); err != nil {
				return nil, fmt.Errorf("%w: -%s=%q: %v", ErrConfiguration, flagName(s.key), v, err)
			}
		}
	}

	tle := *tlePath
	if tle == "" {
		tle, _ = env(EnvPrefix + "TLE_FILE")
	}
	if tle != "" {
		if err := cfg.loadTLE(tle); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Usage writes the flag help text to w.
func Usage(w io.Writer) {
	fmt.Fprintln(w, "Usage of conjunction-monitor:")
	fmt.Fprintln(w, "  -config FILE   JSON scenario file with bodies, links and settings")
	fmt.Fprintln(w, "  -tle FILE      three-line TLE file with additional bodies")
	fmt.Fprintln(w, "  -env FILE      dotenv file to load, if present (default .env)")
	for _, s := range settings {
		fmt.Fprintf(w, "  -%-20s %s (env %s%s)\n", flagName(s.key), s.usage, EnvPrefix, strings.ToUpper(s.key))
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrConfiguration, path, err)
	}
	sc, err := core.LoadScenario(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfiguration, path, err)
	}
	c.Bodies = append(c.Bodies, sc.Bodies...)
	c.Links = append(c.Links, sc.Links...)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfiguration, path, err)
	}
	for _, s := range settings {
		msg, ok := raw[s.key]
		if !ok {
			continue
		}
		v, err := rawString(msg)
		if err != nil {
			return fmt.Errorf("%w: %s: %s: %v", ErrConfiguration, path, s.key, err)
		}
		if err := s.set(c, v); err != nil {
			return fmt.Errorf("%w: %s: %s=%s: %v", ErrConfiguration, path, s.key, v, err)
		}
	}
	return nil
}

func (c *Config) loadTLE(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrConfiguration, path, err)
	}
	defer f.Close()
	entries, err := core.ParseTLE(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfiguration, path, err)
	}
	c.Bodies = append(c.Bodies, core.BodiesFromTLE(entries)...)
	return nil
}

// Validate checks the invariants the monitor relies on.
func (c *Config) Validate() error {
	if _, err := c.Registry(); err != nil {
		return err
	}
	for _, b := range c.Bodies {
		if b.MotionSource == model.MotionSourceTLE {
			if err := core.ValidateTLELines(b.TLELine1, b.TLELine2); err != nil {
				return fmt.Errorf("%w: body %q: %v", ErrConfiguration, b.ID, err)
			}
		}
	}

	switch {
	case c.ThresholdKm <= 0:
		return fmt.Errorf("%w: threshold_km must be positive, got %v", ErrConfiguration, c.ThresholdKm)
	case c.EpsilonKm <= 0:
		return fmt.Errorf("%w: epsilon_km must be positive, got %v", ErrConfiguration, c.EpsilonKm)
	case c.EpsilonKm >= c.ThresholdKm:
		return fmt.Errorf("%w: epsilon_km %v must be below threshold_km %v", ErrConfiguration, c.EpsilonKm, c.ThresholdKm)
	case c.MitigationDuration <= 0:
		return fmt.Errorf("%w: mitigation_duration must be positive", ErrConfiguration)
	case c.DeltaVKmS <= 0:
		return fmt.Errorf("%w: delta_v_km_s must be positive", ErrConfiguration)
	case c.Tick <= 0:
		return fmt.Errorf("%w: tick must be positive", ErrConfiguration)
	case c.Duration < 0:
		return fmt.Errorf("%w: duration must not be negative", ErrConfiguration)
	case c.BindAttempts <= 0:
		return fmt.Errorf("%w: bind_attempts must be positive", ErrConfiguration)
	case c.RetrySpacing <= 0:
		return fmt.Errorf("%w: retry_spacing must be positive", ErrConfiguration)
	case c.ReceiveTimeout <= 0:
		return fmt.Errorf("%w: receive_timeout must be positive", ErrConfiguration)
	case c.SendRate < 0:
		return fmt.Errorf("%w: send_rate must not be negative", ErrConfiguration)
	case c.EventLogMaxMB <= 0:
		return fmt.Errorf("%w: event_log_max_mb must be positive", ErrConfiguration)
	case strings.TrimSpace(c.PeerHost) == "":
		return fmt.Errorf("%w: peer_host is empty", ErrConfiguration)
	}

	if err := c.PortPlan().Validate(len(c.Bodies), c.RetrySpacing, c.BindAttempts); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	known := make(map[string]bool, len(c.Bodies))
	for _, b := range c.Bodies {
		known[b.ID] = true
	}
	for _, l := range c.Links {
		if !known[l[0]] || !known[l[1]] {
			return fmt.Errorf("%w: link %s-%s names an unknown body", ErrConfiguration, l[0], l[1])
		}
	}
	return nil
}

// Registry loads the bodies into a registry in discovery order. It fails on
// fewer than two bodies or on empty and duplicate identifiers.
func (c *Config) Registry() (*kb.Registry, error) {
	if len(c.Bodies) < 2 {
		return nil, fmt.Errorf("%w: at least two bodies are required, got %d", ErrConfiguration, len(c.Bodies))
	}
	reg := kb.NewRegistry()
	for _, b := range c.Bodies {
		if _, err := reg.AddBody(b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	return reg, nil
}

// PortPlan returns the listener port assignment.
func (c *Config) PortPlan() comms.PortPlan {
	return comms.PortPlan{Base: c.BasePort, Spacing: c.PortSpacing}
}

// StartTime returns the configured start, or now when unset.
func (c *Config) StartTime(now time.Time) time.Time {
	if c.Start.IsZero() {
		return now.UTC()
	}
	return c.Start
}

func (c *Config) setByKey(key, v string) error {
	for _, s := range settings {
		if s.key == key {
			return s.set(c, v)
		}
	}
	return fmt.Errorf("unknown setting %q", key)
}

func readDotenv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: load %s: %v", ErrConfiguration, path, err)
	}
	return vals, nil
}

func rawString(msg json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return s, nil
	}
	var v any
	if err := json.Unmarshal(msg, &v); err != nil {
		return "", err
	}
	switch v.(type) {
	case float64, bool:
		return strings.TrimSpace(string(msg)), nil
	default:
		return "", fmt.Errorf("expected a string, number or boolean, got %s", msg)
	}
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func floatSetter(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func stringSetter(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

// durationSetter accepts Go duration strings and bare numbers of seconds.
func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		if d, err := time.ParseDuration(v); err == nil {
			*field(c) = d
			return nil
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q", v)
		}
		*field(c) = time.Duration(secs * float64(time.Second))
		return nil
	}
}
