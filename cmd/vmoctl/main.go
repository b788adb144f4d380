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

// Binary vmoctl exercises inode-backed memory objects from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/inodevm/cmd/vmoctl/cmd"
	"gvisor.dev/inodevm/pkg/config"
	"gvisor.dev/inodevm/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file")
	logLevel   = flag.String("log-level", "", "overrides log.level from the configuration")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Scenario), "")
	subcommands.Register(new(cmd.Map), "")
	subcommands.Register(new(cmd.Metrics), "")

	flag.Parse()

	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(int(subcommands.ExitUsageError))
		}
	}
	if *logLevel != "" {
		override := conf.Clone()
		override.Log.Level = *logLevel
		if err := override.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(int(subcommands.ExitUsageError))
		}
		conf = override
	}
	conf.Apply(os.Stderr)
	log.Debugf("configuration: %+v", *conf)

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx, conf)))
}
