package config

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tile grid limits. Zoom 30 keeps every x/y in a uint32.
const (
	MinZoom = 0
	MaxZoom = 30
)

// Config holds the configuration for a tiling run
type Config struct {
	// Database settings
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSchema   string `yaml:"db_schema"`

	// Processing settings
	Workers          int           `yaml:"workers"`
	ChangesetLimit   int           `yaml:"changeset_limit"`   // Max ids selected in "all" mode
	ChangesetTimeout time.Duration `yaml:"changeset_timeout"` // Time budget per changeset and zoom

	// Tiling settings
	Zooms           []int `yaml:"zooms"`
	ProbeZooms      []int `yaml:"probe_zooms"`      // Coarse zooms used to prune large candidate sets
	ReduceThreshold int   `yaml:"reduce_threshold"` // Candidate count above which pruning kicks in
	Retile          bool  `yaml:"retile"`

	// Summary settings
	SummaryZoom       int `yaml:"summary_zoom"`
	SummarySourceZoom int `yaml:"summary_source_zoom"` // Fine zoom the summary counts from

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"`         // Path to log file (empty = no file logging)
	MetricsInterval time.Duration `yaml:"metrics_interval"` // Interval for system metrics logging
	MetricsListen   string        `yaml:"metrics_listen"`   // Address for the Prometheus endpoint
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DBHost:     "localhost",
		DBPort:     5432,
		DBName:     "owl",
		DBUser:     "postgres",
		DBPassword: "",
		DBSchema:   "public",

		Workers:          runtime.NumCPU(),
		ChangesetLimit:   1000,
		ChangesetTimeout: 5 * time.Minute,

		Zooms:           []int{16},
		ProbeZooms:      []int{4, 6, 8, 10, 11, 12, 13, 14},
		ReduceThreshold: 64,

		SummaryZoom:       10,
		SummarySourceZoom: 16,

		MetricsInterval: 30 * time.Second,
	}
}

// LoadFile overlays the YAML file at path onto cfg. Keys missing from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.ChangesetLimit < 1 {
		return fmt.Errorf("changeset limit must be at least 1")
	}
	if c.ChangesetTimeout <= 0 {
		return fmt.Errorf("changeset timeout must be positive")
	}
	if len(c.Zooms) == 0 {
		return fmt.Errorf("at least one zoom level is required")
	}
	for _, z := range c.Zooms {
		if z < MinZoom || z > MaxZoom {
			return fmt.Errorf("zoom %d out of range [%d, %d]", z, MinZoom, MaxZoom)
		}
	}
	for _, z := range c.ProbeZooms {
		if z < MinZoom || z > MaxZoom {
			return fmt.Errorf("probe zoom %d out of range [%d, %d]", z, MinZoom, MaxZoom)
		}
	}
	if !sort.IntsAreSorted(c.ProbeZooms) {
		return fmt.Errorf("probe zooms must be ascending")
	}
	if c.ReduceThreshold < 0 {
		return fmt.Errorf("reduce threshold must not be negative")
	}
	if c.SummaryZoom < MinZoom || c.SummaryZoom > c.SummarySourceZoom {
		return fmt.Errorf("summary zoom %d must be between %d and the source zoom %d",
			c.SummaryZoom, MinZoom, c.SummarySourceZoom)
	}
	if c.SummarySourceZoom > MaxZoom {
		return fmt.Errorf("summary source zoom %d exceeds %d", c.SummarySourceZoom, MaxZoom)
	}
	return nil
}

// ParseZooms parses a zoom list such as "12,14-16" into ascending,
// de-duplicated zoom levels.
func ParseZooms(s string) ([]int, error) {
	seen := make(map[int]bool)
	var zooms []int

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi := part, part
		if i := strings.Index(part, "-"); i > 0 {
			lo, hi = part[:i], part[i+1:]
		}

		from, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid zoom %q: %w", part, err)
		}
		to, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, fmt.Errorf("invalid zoom %q: %w", part, err)
		}
		if from > to {
			return nil, fmt.Errorf("invalid zoom range %q", part)
		}
		if from < MinZoom || to > MaxZoom {
			return nil, fmt.Errorf("zoom %q out of range [%d, %d]", part, MinZoom, MaxZoom)
		}

		for z := from; z <= to; z++ {
			if !seen[z] {
				seen[z] = true
				zooms = append(zooms, z)
			}
		}
	}

	if len(zooms) == 0 {
		return nil, fmt.Errorf("no zoom levels in %q", s)
	}
	sort.Ints(zooms)
	return zooms, nil
}

// ParseChangesetIDs parses the changeset selection flag. It returns nil ids
// and all=true for "all"; otherwise the listed ids in order, without duplicates.
func ParseChangesetIDs(s string) (ids []int64, all bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false, fmt.Errorf("changeset selection is required")
	}
	if strings.EqualFold(s, "all") {
		return nil, true, nil
	}

	seen := make(map[int64]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("invalid changeset id %q: %w", part, err)
		}
		if id <= 0 {
			return nil, false, fmt.Errorf("invalid changeset id %d", id)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		return nil, false, fmt.Errorf("no changeset ids in %q", s)
	}
	return ids, false, nil
}
