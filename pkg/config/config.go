// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the configuration of an inodevm instance, loaded from
// a TOML file.
package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/inodevm/pkg/log"
	"gvisor.dev/inodevm/pkg/pgalloc"
	"gvisor.dev/inodevm/pkg/refs"
	"gvisor.dev/inodevm/pkg/usage"
	"gvisor.dev/inodevm/pkg/writeback"
)

// Config is the top level configuration.
type Config struct {
	// MaxFrames limits the number of frames allocated at once. Zero means
	// unlimited.
	MaxFrames uint64 `toml:"max_frames"`

	// MetadataLimitBytes limits the memory used by frame tables and page
	// bitmaps. Zero means unlimited.
	MetadataLimitBytes uint64 `toml:"metadata_limit_bytes"`

	Writeback Writeback `toml:"writeback"`
	Log       Log       `toml:"log"`
	Refs      Refs      `toml:"refs"`
}

// Writeback configures the write-back sweeper.
type Writeback struct {
	Interval        time.Duration `toml:"interval"`
	Parallelism     int           `toml:"parallelism"`
	MaxRetryElapsed time.Duration `toml:"max_retry_elapsed"`
	EvictClean      bool          `toml:"evict_clean"`
}

// Log configures logging.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level string `toml:"level"`

	// Format is "text" for glog style lines or "json".
	Format string `toml:"format"`
}

// Refs configures reference counting.
type Refs struct {
	// LeakMode is one of "disabled", "log-names" or "panic".
	LeakMode string `toml:"leak_mode"`
}

// Default returns the default configuration.
func Default() *Config {
	wb := writeback.DefaultOpts()
	return &Config{
		Writeback: Writeback{
			Interval:        wb.Interval,
			Parallelism:     wb.Parallelism,
			MaxRetryElapsed: wb.MaxRetryElapsed,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Refs: Refs{
			LeakMode: refs.NoLeakChecking.String(),
		},
	}
}

// Load reads the TOML file at path over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// Decode reads TOML from r over the defaults and validates the result. Keys
// that do not correspond to a configuration field are rejected.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that every field has a usable value.
func (c *Config) Validate() error {
	if c.Writeback.Interval <= 0 {
		return fmt.Errorf("writeback.interval must be positive, got %v", c.Writeback.Interval)
	}
	if c.Writeback.Parallelism < 1 {
		return fmt.Errorf("writeback.parallelism must be at least 1, got %d", c.Writeback.Parallelism)
	}
	if c.Writeback.MaxRetryElapsed < 0 {
		return fmt.Errorf("writeback.max_retry_elapsed must not be negative, got %v", c.Writeback.MaxRetryElapsed)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}
	if _, err := refs.ParseLeakMode(c.Refs.LeakMode); err != nil {
		return fmt.Errorf("refs.leak_mode: %w", err)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Encode writes c to w as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Emitter returns the log emitter selected by c, writing to w.
func (c *Config) Emitter(w io.Writer) log.Emitter {
	if c.Log.Format == "json" {
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
}

// Apply configures the global logger and the leak checker.
//
// Preconditions: c.Validate() == nil.
func (c *Config) Apply(logOutput io.Writer) {
	level, _ := log.ParseLevel(c.Log.Level)
	mode, _ := refs.ParseLeakMode(c.Refs.LeakMode)
	log.SetTarget(c.Emitter(logOutput))
	log.SetLevel(level)
	refs.SetLeakMode(mode)
}

// RegistryOpts returns frame registry options for c.
func (c *Config) RegistryOpts() pgalloc.Opts {
	return pgalloc.Opts{
		MaxFrames: c.MaxFrames,
		Memory:    usage.NewMemory(c.MetadataLimitBytes),
	}
}

// SweeperOpts returns write-back sweeper options for c.
func (c *Config) SweeperOpts() writeback.Opts {
	return writeback.Opts{
		Interval:        c.Writeback.Interval,
		Parallelism:     c.Writeback.Parallelism,
		MaxRetryElapsed: c.Writeback.MaxRetryElapsed,
		EvictClean:      c.Writeback.EvictClean,
	}
}
