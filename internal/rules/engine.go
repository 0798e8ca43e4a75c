package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"udevd/internal/device"
)

// Runner executes one RUN program with the device environment.
type Runner func(ctx context.Context, argv []string, env []string) error

// ExecRunner runs argv as a child process.
func ExecRunner(ctx context.Context, argv []string, env []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 512 {
			out = out[len(out)-512:]
		}
		return fmt.Errorf("%s: %w: %s", argv[0], err, out)
	}
	return nil
}

// Result reports what applying the rules asked for.
type Result struct {
	Matched []string
	Watch   bool
}

// Engine applies a rule Set to devices.
type Engine struct {
	set *Set
	run Runner
	log zerolog.Logger
}

func NewEngine(set *Set, run Runner, log zerolog.Logger) *Engine {
	if set == nil {
		set = &Set{}
	}
	if run == nil {
		run = ExecRunner
	}
	return &Engine{set: set, run: run, log: log}
}

// Apply evaluates every rule in order, updating dev's properties and running
// programs. All programs run even if one fails; the joined errors are returned.
func (e *Engine) Apply(ctx context.Context, dev *device.Device) (Result, error) {
	var res Result
	var errs []error
	for _, r := range e.set.Rules {
		if !r.Match.matches(dev) {
			continue
		}
		res.Matched = append(res.Matched, r.Name)
		for k, v := range r.Env {
			dev.SetProperty(k, expand(v, dev))
		}
		if r.Watch {
			res.Watch = true
		}
		for _, line := range r.Run {
			argv, err := shellquote.Split(expand(line, dev))
			if err != nil || len(argv) == 0 {
				errs = append(errs, fmt.Errorf("rule %s: invalid RUN %q", r.Name, line))
				continue
			}
			e.log.Debug().Str("rule", r.Name).Strs("argv", argv).Msg("running program")
			if err := e.run(ctx, argv, dev.Environ()); err != nil {
				errs = append(errs, fmt.Errorf("rule %s: %w", r.Name, err))
				if ctx.Err() != nil {
					return res, errors.Join(append(errs, ctx.Err())...)
				}
			}
		}
		if r.Last {
			break
		}
	}
	return res, errors.Join(errs...)
}

func (m Match) matches(dev *device.Device) bool {
	if len(m.Action) > 0 {
		ok := false
		for _, a := range m.Action {
			if a == string(dev.Action) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !glob(m.Subsystem, dev.Subsystem()) || !glob(m.Kernel, dev.SysName()) || !glob(m.DevPath, dev.DevPath) {
		return false
	}
	for k, pattern := range m.Env {
		if !glob(pattern, dev.Property(k)) {
			return false
		}
	}
	return true
}

func glob(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// expand substitutes $KEY and ${KEY} with device properties.
func expand(s string, dev *device.Device) string {
	return os.Expand(s, func(k string) string {
		switch k {
		case "devpath":
			return dev.DevPath
		case "kernel":
			return dev.SysName()
		case "devnode":
			return dev.DevNode()
		}
		return dev.Property(k)
	})
}
