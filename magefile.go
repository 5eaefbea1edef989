//go:build mage

package main

import (
	"fmt"
	"os/exec"

	"github.com/charmbracelet/lipgloss"
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

type tool struct {
	binary string
	pkg    string
}

var (
	goexec = mg.GoCmd()
	g0     = sh.RunCmd(goexec)

	tools = []tool{
		{binary: "gotestsum", pkg: "gotest.tools/gotestsum"},
		{binary: "golangci-lint", pkg: "github.com/golangci/golangci-lint/cmd/golangci-lint"},
		{binary: "addlicense", pkg: "github.com/google/addlicense"},
	}
	heading = lipgloss.NewStyle().Bold(true)
)

// Build builds the server and probe binaries into bin/
func Build() error {
	fmt.Println(heading.Render("Building binaries"))
	return g0("build", "-o", "bin/", "./cmd/cros_camera_algo", "./cmd/cros_camera_algo_probe",
		"./cmd/cros_camera_dispatcher")
}

// Plugin builds the fake vendor library as bin/libcam_algo.so
func Plugin() error {
	fmt.Println(heading.Render("Building fake algorithm library"))
	return g0("build", "-buildmode=plugin", "-o", "bin/libcam_algo.so", "./cmd/libcam_algo")
}

func installTools() error {
	for _, t := range tools {
		if _, err := exec.LookPath(t.binary); err == nil {
			continue
		}
		fmt.Println(heading.Render(fmt.Sprintf("> %s install %s", goexec, t.pkg)))
		if err := sh.RunV(goexec, "install", t.pkg+"@latest"); err != nil {
			return err
		}
	}
	return nil
}

// Lint runs the linter
func Lint() error {
	mg.Deps(installTools)
	fmt.Println("Running golanci-lint linter...")
	return sh.RunV("golangci-lint", "run")
}

// Test runs the unit tests
func Test() error {
	mg.Deps(installTools)
	fmt.Println("Running unit tests...")
	return sh.RunV("gotestsum", "-f", "standard-verbose", "--", "-race", "-failfast", "-count", "1", "-timeout", "10m", "./...")
}

// LicenseCheck fixes any missing license header in the source code
func LicenseCheck() error {
	mg.Deps(installTools)
	fmt.Println("Running license check...")
	return sh.RunV("addlicense", "-c", "The Tektite Authors", "-ignore", "**/*.yml", "-ignore", "**/*.xml", ".")
}

// Presubmit is intended to be run by contributors before pushing the code and creating a PR.
func Presubmit() error {
	mg.Deps(LicenseCheck, Build, Plugin, Lint)
	return Test()
}

// Run runs the camera algorithm server against the fake algorithm library
func Run() error {
	mg.Deps(Build, Plugin)
	fmt.Println("Running the camera algorithm server...")
	return sh.RunV("bin/cros_camera_algo", "--socket-path", "/tmp/camera-algo.sock", "--library-dir", "bin",
		"--log-level", "debug")
}

// Probe sends a batch of requests to a server started with Run
func Probe() error {
	mg.Deps(Build)
	return sh.RunV("bin/cros_camera_algo_probe", "--socket-path", "/tmp/camera-algo.sock", "--requests", "64")
}
