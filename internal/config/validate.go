package config

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalid marks a program that references unknown or released tensors,
// or declares the same name twice.
var ErrInvalid = errors.New("invalid program")

// Steps returns the ops and releases merged in program order.
func (m *Model) Steps() []Step {
	steps := make([]Step, 0, len(m.Ops)+len(m.Releases))
	for _, op := range m.Ops {
		steps = append(steps, Step{Op: op})
	}
	for _, r := range m.Releases {
		steps = append(steps, Step{Release: r})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].order() < steps[j].order() })
	return steps
}

func (s Step) order() int {
	if s.Op != nil {
		return s.Op.Order
	}
	return s.Release.Order
}

// Tensor finds a declared tensor by name.
func (m *Model) Tensor(name string) (*Tensor, bool) {
	for _, t := range m.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Validate walks the program in order and checks that every tensor an op
// reads is declared or produced by an earlier op, that nothing uses a tensor
// after its release, and that names are unique.
func (m *Model) Validate() error {
	var errs []error
	fail := func(source, format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		if source != "" {
			msg = source + ": " + msg
		}
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, msg))
	}

	if m.Engine != nil {
		seen := make(map[string]struct{})
		for _, s := range m.Engine.Streams {
			if _, dup := seen[s.Name]; dup {
				fail("", "stream '%s' declared twice", s.Name)
			}
			seen[s.Name] = struct{}{}
		}
	}

	known := make(map[string]bool) // name -> released
	for _, t := range m.Tensors {
		if _, dup := known[t.Name]; dup {
			fail(t.Source, "tensor '%s' declared twice", t.Name)
		}
		known[t.Name] = false
	}

	ops := make(map[string]struct{})
	use := func(source, owner, name string) {
		released, ok := known[name]
		switch {
		case !ok:
			fail(source, "%s references unknown tensor '%s'", owner, name)
		case released:
			fail(source, "%s uses tensor '%s' after its release", owner, name)
		}
	}

	for _, step := range m.Steps() {
		if op := step.Op; op != nil {
			if _, dup := ops[op.Name]; dup {
				fail(op.Source, "op '%s' declared twice", op.Name)
			}
			ops[op.Name] = struct{}{}
			if op.Kernel == "" {
				fail(op.Source, "op '%s' has no kernel", op.Name)
			}
			if len(op.Outputs) == 0 {
				fail(op.Source, "op '%s' has no outputs", op.Name)
			}
			owner := fmt.Sprintf("op '%s'", op.Name)
			for _, in := range op.Inputs {
				use(op.Source, owner, in)
			}
			for _, out := range op.Outputs {
				if released, ok := known[out]; ok && released {
					fail(op.Source, "%s writes tensor '%s' after its release", owner, out)
				}
				known[out] = false
			}
			continue
		}
		r := step.Release
		use(r.Source, "release", r.Tensor)
		if _, ok := known[r.Tensor]; ok {
			known[r.Tensor] = true
		}
	}

	for _, name := range m.Fetch {
		use("", "fetch", name)
	}
	return errors.Join(errs...)
}
