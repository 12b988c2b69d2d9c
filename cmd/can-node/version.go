package main

// Build metadata injected via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)
