// Package cli turns command-line arguments into a validated app.Config.
// Usage errors are reported as *ExitError carrying the process exit code;
// -h and a missing program path print usage and ask the caller to exit
// cleanly.
package cli
