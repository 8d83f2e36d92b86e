//go:build mage

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

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName = "import-cvm"
	pkgInfo    = "github.com/penny-vault/import-cvm/pkginfo"
	coverFile  = "coverage.out"
)

// allow user to override go executable by running as GOEXE=xxx mage ...
var goexe = "go"

func init() {
	if exe := os.Getenv("GOEXE"); exe != "" {
		goexe = exe
	}
}

// Build the import-cvm binary with the commit hash and build date embedded
func Build() error {
	fmt.Println("Building...")
	return sh.RunWith(buildEnv(), goexe, "build", "-o", binaryName, "-ldflags", ldflags(), "-v", ".")
}

// Run tests with the race detector
func Test() error {
	fmt.Println("Go Test")
	return sh.RunV(goexe, "test", "-race", "./...")
}

// Run go vet
func Vet() error {
	fmt.Println("Go Vet")
	if err := sh.RunV(goexe, "vet", "./..."); err != nil {
		return fmt.Errorf("error running go vet: %w", err)
	}
	return nil
}

// Report unformatted files and run go vet
func Lint() error {
	mg.Deps(Vet)
	fmt.Println("Go Format")

	out, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return err
	}
	if out != "" {
		// gofmt exits 0 even when files need formatting
		fmt.Println("The following files are not gofmt'ed:")
		fmt.Println(out)
		return fmt.Errorf("improperly formatted go files")
	}
	return nil
}

// Generate a test coverage report and open it in the browser
func TestCoverHTML() error {
	fmt.Println("Generate Test Coverage HTML")
	if err := sh.RunV(goexe, "test", "-coverprofile="+coverFile, "-covermode=count", "./..."); err != nil {
		return err
	}
	return sh.Run(goexe, "tool", "cover", "-html="+coverFile)
}

// Remove build artifacts
func Clean() {
	fmt.Println("Cleaning...")
	os.RemoveAll(binaryName)
	os.RemoveAll(coverFile)
}

func ldflags() string {
	flags := []string{"-X " + pkgInfo + ".BuildDate=$BUILD_DATE"}
	if hash, _ := sh.Output("git", "rev-parse", "--short", "HEAD"); hash != "" {
		flags = append(flags, "-X "+pkgInfo+".CommitHash=$COMMIT_HASH")
	}
	return strings.Join(flags, " ")
}

func buildEnv() map[string]string {
	hash, _ := sh.Output("git", "rev-parse", "--short", "HEAD")
	return map[string]string{
		"COMMIT_HASH": hash,
		"BUILD_DATE":  time.Now().Format("2006-01-02T15:04:05Z0700"),
	}
}
