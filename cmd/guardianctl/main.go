// Package main is the entrypoint for guardianctl, the Fedimint guardian
// onboarding tool.
package main

import "github.com/fedimint/guardianctl/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
