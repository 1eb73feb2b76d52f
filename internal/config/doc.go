// Package config defines the format-agnostic model of a flowvm program: the
// engine settings (streams, memory budget, rematerialization policy), the
// tensors, the ops and releases in program order, and the tensors to fetch
// once the program has run.
//
// The `config.Model` is the single input of the `workload` package. Concrete
// loaders, such as the HCL one, live in separate packages.
package config
