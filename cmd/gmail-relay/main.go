// Package main is the entry point for the Gmail relay.
package main

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	execute()
}
