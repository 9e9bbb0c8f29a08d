// Package config loads the node configuration.
//
// A YAML file is decoded over Default(), environment overrides are applied,
// and the result is checked against the embedded CUE schema. Durations are
// written as Go duration strings ("5s", "24h").
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/replicant/internal/lease"
	"github.com/roach88/replicant/internal/objstore"
	"github.com/roach88/replicant/internal/scheduler"
)

//go:embed schema.cue
var schemaSource string

// Environment variables that override the file.
const (
	EnvDatabase   = "REPLICANT_DB"
	EnvPrimaryURL = "REPLICANT_PRIMARY_URL"
	EnvSecret     = "REPLICANT_SECRET"
	EnvNode       = "REPLICANT_NODE"
)

// Roles a node can play.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// Config is the complete node configuration.
type Config struct {
	Node         Node         `yaml:"node" json:"node"`
	Database     Database     `yaml:"database" json:"database"`
	Primary      Primary      `yaml:"primary" json:"primary"`
	Storage      Storage      `yaml:"storage" json:"storage"`
	Registry     Registry     `yaml:"registry" json:"registry"`
	Backoff      Backoff      `yaml:"backoff" json:"backoff"`
	Capacity     Capacity     `yaml:"capacity" json:"capacity"`
	Lease        Lease        `yaml:"lease" json:"lease"`
	Poll         Poll         `yaml:"poll" json:"poll"`
	Status       Status       `yaml:"status" json:"status"`
	Cache        Cache        `yaml:"cache" json:"cache"`
	Housekeeping Housekeeping `yaml:"housekeeping" json:"housekeeping"`
	Metrics      Metrics      `yaml:"metrics" json:"metrics"`
}

type Node struct {
	Name string `yaml:"name" json:"name"`
	Role string `yaml:"role" json:"role"`
}

type Database struct {
	Path string `yaml:"path" json:"path"`
}

// Primary locates the primary node. Secret signs request tokens.
type Primary struct {
	URL     string        `yaml:"url" json:"url"`
	Secret  string        `yaml:"secret" json:"secret"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Storage roots. Minio is only needed when file paths name a bucket.
type Storage struct {
	RepositoriesRoot string `yaml:"repositories_root" json:"repositories_root"`
	FilesRoot        string `yaml:"files_root" json:"files_root"`
	TempDir          string `yaml:"temp_dir" json:"temp_dir"`
	Minio            *Minio `yaml:"minio,omitempty" json:"minio,omitempty"`
}

type Minio struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

// Registry names the container registry hosts of both sides. Empty hosts
// disable container repository sync.
type Registry struct {
	Primary   string `yaml:"primary" json:"primary"`
	Secondary string `yaml:"secondary" json:"secondary"`
	Insecure  bool   `yaml:"insecure" json:"insecure"`
}

type Backoff struct {
	Fixed      float64       `yaml:"fixed" json:"fixed"`
	Jitter     float64       `yaml:"jitter" json:"jitter"`
	Min        time.Duration `yaml:"min" json:"min"`
	Max        time.Duration `yaml:"max" json:"max"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
}

type Capacity struct {
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight"`
}

type Lease struct {
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

type Poll struct {
	Interval  time.Duration `yaml:"interval" json:"interval"`
	BatchSize int           `yaml:"batch_size" json:"batch_size"`
}

type Status struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
}

type Cache struct {
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

type Housekeeping struct {
	PruneAge time.Duration `yaml:"prune_age" json:"prune_age"`
}

// Metrics.Listen is the address of the /metrics endpoint; empty disables it.
type Metrics struct {
	Listen string `yaml:"listen" json:"listen"`
}

// Default returns a secondary configuration with every tunable set.
// Primary.URL and Primary.Secret have no default.
func Default() Config {
	return Config{
		Node:     Node{Name: "secondary", Role: RoleSecondary},
		Database: Database{Path: "replicant.db"},
		Primary:  Primary{Timeout: 30 * time.Second},
		Storage: Storage{
			RepositoriesRoot: "data/repositories",
			FilesRoot:        "data/files",
		},
		Backoff: Backoff{
			Fixed:      scheduler.DefaultFixedBackoff,
			Jitter:     scheduler.DefaultJitter,
			Min:        scheduler.DefaultMinDelay,
			Max:        scheduler.DefaultMaxDelay,
			MaxRetries: scheduler.DefaultMaxRetries,
		},
		Capacity:     Capacity{MaxInFlight: 10},
		Lease:        Lease{TTL: lease.DefaultTTL},
		Poll:         Poll{Interval: 5 * time.Second, BatchSize: 100},
		Status:       Status{Interval: time.Minute},
		Cache:        Cache{TTL: 5 * time.Minute},
		Housekeeping: Housekeeping{PruneAge: 2 * time.Hour},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides from getenv and validates the result. An empty path skips the
// file. A nil getenv means os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	cfg.applyEnv(getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvDatabase); v != "" {
		c.Database.Path = v
	}
	if v := getenv(EnvPrimaryURL); v != "" {
		c.Primary.URL = v
	}
	if v := getenv(EnvSecret); v != "" {
		c.Primary.Secret = v
	}
	if v := getenv(EnvNode); v != "" {
		c.Node.Name = v
	}
}

// Validate checks c against the embedded schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	value := ctx.CompileBytes(data)
	if err := value.Err(); err != nil {
		return fmt.Errorf("build config value: %w", err)
	}

	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", cueerrors.Details(err, nil))
	}
	return nil
}

// IsSecondary reports whether the node replicates from a primary.
func (c Config) IsSecondary() bool {
	return c.Node.Role == RoleSecondary
}

// Params returns the scheduler backoff curve, with uniform jitter in
// [0, Jitter).
func (b Backoff) Params() scheduler.Params {
	jitter := b.Jitter
	return scheduler.Params{
		Fixed:      b.Fixed,
		Jitter:     func() float64 { return rand.Float64() * jitter },
		Min:        b.Min,
		Max:        b.Max,
		MaxRetries: b.MaxRetries,
	}
}

// Client returns the object store settings, or false if none are set.
func (m *Minio) Client() (objstore.MinioConfig, bool) {
	if m == nil {
		return objstore.MinioConfig{}, false
	}
	return objstore.MinioConfig{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		UseSSL:    m.UseSSL,
	}, true
}
