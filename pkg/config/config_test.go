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

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestDecode(t *testing.T) {
	const input = `
max_frames = 1024
metadata_limit_bytes = 65536

[writeback]
interval = "250ms"
parallelism = 8
max_retry_elapsed = "2s"
evict_clean = true

[log]
level = "debug"
format = "json"

[refs]
leak_mode = "panic"
`
	got, err := Decode(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := &Config{
		MaxFrames:          1024,
		MetadataLimitBytes: 65536,
		Writeback: Writeback{
			Interval:        250 * time.Millisecond,
			Parallelism:     8,
			MaxRetryElapsed: 2 * time.Second,
			EvictClean:      true,
		},
		Log:  Log{Level: "debug", Format: "json"},
		Refs: Refs{LeakMode: "panic"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeKeepsDefaults(t *testing.T) {
	got, err := Decode(strings.NewReader("max_frames = 7\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := Default()
	want.MaxFrames = 7
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
	}{
		{name: "unknown key", input: "max_framez = 1\n"},
		{name: "syntax", input: "max_frames = \n"},
		{name: "zero interval", input: "[writeback]\ninterval = \"0s\"\n"},
		{name: "bad parallelism", input: "[writeback]\nparallelism = 0\n"},
		{name: "bad level", input: "[log]\nlevel = \"loud\"\n"},
		{name: "bad format", input: "[log]\nformat = \"xml\"\n"},
		{name: "bad leak mode", input: "[refs]\nleak_mode = \"sometimes\"\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tc.input)); err == nil {
				t.Errorf("Decode(%q) succeeded", tc.input)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	c := Default()
	c.MaxFrames = 99
	c.Writeback.EvictClean = true
	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v\n%s", err, buf.String())
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Load of missing file succeeded")
	}
}

func TestOpts(t *testing.T) {
	c := Default()
	c.MaxFrames = 3
	c.Writeback.EvictClean = true
	if got := c.RegistryOpts().MaxFrames; got != 3 {
		t.Errorf("RegistryOpts().MaxFrames = %d, want 3", got)
	}
	if got := c.SweeperOpts(); !got.EvictClean || got.Parallelism != c.Writeback.Parallelism {
		t.Errorf("SweeperOpts() = %+v", got)
	}
}

func TestClone(t *testing.T) {
	c := Default()
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.Log.Level = "debug"
	clone.Writeback.Parallelism = 99
	if c.Log.Level != "info" || c.Writeback.Parallelism == 99 {
		t.Errorf("modifying the clone changed the original: %+v", c)
	}
}
