// Package app contains the core application logic. It defines the main App
// struct, its configuration, and the program execution lifecycle (load the
// program, start an engine with its observers, run, fetch, report), decoupled
// from any specific entrypoint like a CLI.
package app
