// Package config loads keel's YAML configuration. The file is decoded with
// yaml.v3, unified with an embedded CUE schema that supplies defaults and
// rejects unknown keys, and then converted to typed settings.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Config is the validated configuration.
type Config struct {
	DB       string
	Lock     LockConfig
	Conflict ConflictConfig
	Graph    GraphConfig
	Engine   EngineConfig
	Log      LogConfig
}

// LockConfig sets how long holds last and how often expired ones are swept.
type LockConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// ConflictConfig sizes the per-function manifest history used for diffs.
type ConflictConfig struct {
	History int
}

// GraphConfig controls graph verification. With Verify set, every mutation
// runs the full consistency check.
type GraphConfig struct {
	Verify bool
}

// EngineConfig bounds hashing concurrency and the in-memory commit log.
type EngineConfig struct {
	Workers   int
	CommitLog int
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string
	Format string
}

// SlogLevel maps the configured level name to a slog level.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// file mirrors the schema's field names.
type file struct {
	DB   string `json:"db"`
	Lock struct {
		TTL           string `json:"ttl"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"lock"`
	Conflict struct {
		History int `json:"history"`
	} `json:"conflict"`
	Graph struct {
		Verify bool `json:"verify"`
	} `json:"graph"`
	Engine struct {
		Workers   int `json:"workers"`
		CommitLog int `json:"commit_log"`
	} `json:"engine"`
	Log struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

// Error reports an invalid configuration, one message per problem.
type Error struct {
	Source   string
	Problems []string
}

func (e *Error) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("config %s: %s", e.Source, e.Problems[0])
	}
	return fmt.Sprintf("config %s: %d problems, first: %s", e.Source, len(e.Problems), e.Problems[0])
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, err := Parse(nil)
	if err != nil {
		// The embedded schema is fixed; a failure here is a build defect.
		panic(fmt.Sprintf("config: default: %v", err))
	}
	return cfg
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := parse(path, data)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse validates YAML data. Empty data yields the defaults.
func Parse(data []byte) (Config, error) {
	return parse("<input>", data)
}

func parse(source string, data []byte) (Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, &Error{Source: source, Problems: []string{err.Error()}}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if _, ok := raw.(map[string]any); !ok {
		return Config{}, &Error{Source: source, Problems: []string{fmt.Sprintf("top level must be a mapping, got %T", raw)}}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("config: schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := def.Unify(ctx.Encode(raw))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return Config{}, &Error{Source: source, Problems: problems(err)}
	}

	var f file
	if err := value.Decode(&f); err != nil {
		return Config{}, &Error{Source: source, Problems: problems(err)}
	}
	return f.config(source)
}

func (f file) config(source string) (Config, error) {
	ttl, err := time.ParseDuration(f.Lock.TTL)
	if err != nil {
		return Config{}, &Error{Source: source, Problems: []string{"lock.ttl: " + err.Error()}}
	}
	sweep, err := time.ParseDuration(f.Lock.SweepInterval)
	if err != nil {
		return Config{}, &Error{Source: source, Problems: []string{"lock.sweep_interval: " + err.Error()}}
	}
	if ttl <= 0 || sweep <= 0 {
		return Config{}, &Error{Source: source, Problems: []string{"lock durations must be positive"}}
	}
	return Config{
		DB:       f.DB,
		Lock:     LockConfig{TTL: ttl, SweepInterval: sweep},
		Conflict: ConflictConfig{History: f.Conflict.History},
		Graph:    GraphConfig{Verify: f.Graph.Verify},
		Engine:   EngineConfig{Workers: f.Engine.Workers, CommitLog: f.Engine.CommitLog},
		Log:      LogConfig{Level: f.Log.Level, Format: f.Log.Format},
	}, nil
}

func problems(err error) []string {
	var out []string
	for _, e := range cueerrors.Errors(err) {
		out = append(out, e.Error())
	}
	if len(out) == 0 {
		out = []string{err.Error()}
	}
	return out
}

// IsInvalid returns true if err reports an invalid configuration.
func IsInvalid(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
