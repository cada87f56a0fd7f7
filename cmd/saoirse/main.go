// Copyright 2025 Team Saoirse
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

// saoirse runs the emulated-resource layer hosted: the service router with
// software crypto engines, for development against fake collaborators. On
// the console the same packages are driven by the boot side instead of this
// binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/team-saoirse/saoirse/internal/logger"
	"github.com/team-saoirse/saoirse/ios"
	"github.com/team-saoirse/saoirse/system"
)

type flags struct {
	logLevel   string
	logFormat  string
	logFile    string
	logMaxMB   int
	logBackups int

	imagePath  string
	imagePath2 string
	noUSB      bool
}

func bindFlags(fs *pflag.FlagSet, f *flags) {
	fs.StringVar(&f.logLevel, "log-level", "info",
		"Severity floor: trace, debug, info, warning, error, off.")
	fs.StringVar(&f.logFormat, "log-format", "text",
		"Stderr log format: text or json.")
	fs.StringVar(&f.logFile, "log-file", "",
		"Also write logs to this rotating file.")
	fs.IntVar(&f.logMaxMB, "log-rotate-max-size", 32,
		"Rotate the log file past this size in MiB.")
	fs.IntVar(&f.logBackups, "log-rotate-backup-count", 3,
		"Rotated log files to keep.")
	fs.StringVar(&f.imagePath, "image", "",
		"Virtual-disc image path on the SD volume.")
	fs.StringVar(&f.imagePath2, "image-part2", "",
		"Second part of a split image, if any.")
	fs.BoolVar(&f.noUSB, "no-usb", false,
		"Leave the USB storage slot unpopulated.")
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "saoirse",
		Short: "Run the emulated-resource layer hosted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&f)
		},
		SilenceUsage: true,
	}
	bindFlags(cmd.Flags(), &f)
	return cmd
}

func run(f *flags) error {
	logger.SetLogLevel(f.logLevel)
	logger.SetLogFormat(f.logFormat)
	if f.logFile != "" {
		logger.SetLogFile(f.logFile, f.logMaxMB, f.logBackups)
	}

	rt := ios.NewRouter()
	sys, err := system.Boot(rt, system.Options{
		SoftEngines: true,
		ImagePath:   f.imagePath,
		ImagePath2:  f.imagePath2,
		NoUSB:       f.noUSB,
	})
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	return sys.Run()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
