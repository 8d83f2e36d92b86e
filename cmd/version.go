// Copyright 2021-2022
// SPDX-License-Identifier: Apache-2.0
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

package cmd

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sort"

	"github.com/goccy/go-json"
	"github.com/penny-vault/import-cvm/pkginfo"
	"github.com/spf13/cobra"
)

var (
	versionDeps bool
	versionJSON bool
)

func init() {
	versionCmd.Flags().BoolVar(&versionDeps, "deps", false, "print dependencies")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print version information as json")
	rootCmd.AddCommand(versionCmd)
}

type buildInfo struct {
	Program   string            `json:"program"`
	Version   string            `json:"version"`
	Platform  string            `json:"platform"`
	BuildDate string            `json:"build_date"`
	Commit    string            `json:"commit"`
	GoVersion string            `json:"go_version"`
	Deps      map[string]string `json:"deps,omitempty"`
}

var versionCmd = &cobra.Command{
	Use:              "version",
	Short:            "Print the version number",
	Args:             cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	RunE: func(cmd *cobra.Command, args []string) error {
		info := currentBuildInfo(versionDeps)

		if versionJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		fmt.Printf("%s v%s %s\n\nBuild Date: %s\nCommit: %s\nBuilt with: %s\n",
			info.Program, info.Version, info.Platform, info.BuildDate, info.Commit, info.GoVersion)

		if versionDeps {
			paths := make([]string, 0, len(info.Deps))
			for path := range info.Deps {
				paths = append(paths, path)
			}
			sort.Strings(paths)

			fmt.Println("\nDependencies:")
			for _, path := range paths {
				fmt.Printf("%s=%q\n", path, info.Deps[path])
			}
		}
		return nil
	},
}

// currentBuildInfo combines the ldflags set by mage with the module information embedded by
// the go tool; a plain go build still reports its vcs revision
func currentBuildInfo(withDeps bool) buildInfo {
	info := buildInfo{
		Program:   pkginfo.ProgramName,
		Version:   pkginfo.Version,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		BuildDate: pkginfo.BuildDate,
		Commit:    pkginfo.CommitHash,
		GoVersion: runtime.Version(),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range bi.Settings {
			switch {
			case setting.Key == "vcs.revision" && info.Commit == "":
				info.Commit = setting.Value
			case setting.Key == "vcs.time" && info.BuildDate == "":
				info.BuildDate = setting.Value
			}
		}

		if withDeps {
			info.Deps = make(map[string]string, len(bi.Deps))
			for _, dep := range bi.Deps {
				info.Deps[dep.Path] = dep.Version
			}
		}
	}

	if info.BuildDate == "" {
		info.BuildDate = "unknown"
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	return info
}
