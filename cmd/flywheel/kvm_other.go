//go:build !linux

package main

// Hardware virtualization is only wired up on Linux.
func registerPlatform() {}
