// Package logconf wires up structured logging for every normal-mode package
// and CLI command, in the manner of delve's pkg/logflags: named loggers for
// each subsystem at a warn-level default, and Setup, which applies a global
// level plus comma-separated module=level overrides.
package logconf

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	registryLogger *logrus.Entry
	imageLogger    *logrus.Entry
	dwarfLogger    *logrus.Entry
	cliLogger      *logrus.Entry
)

func newModuleLogger(name string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l.WithField("layer", name)
}

func init() {
	registryLogger = newModuleLogger("registry")
	imageLogger = newModuleLogger("image")
	dwarfLogger = newModuleLogger("dwarfcfi")
	cliLogger = newModuleLogger("cli")
}

// Registry returns the logger for normal-mode registry mutations (append,
// remove). Never called from the signal-time read path.
func Registry() *logrus.Entry { return registryLogger }

// Image returns the logger for image parsing.
func Image() *logrus.Entry { return imageLogger }

// DwarfCFI returns the logger for DWARF table priming and any rejected CFI
// program construct.
func DwarfCFI() *logrus.Entry { return dwarfLogger }

// CLI returns the logger for cmd/plcrash-unwind and the internal/ front
// ends.
func CLI() *logrus.Entry { return cliLogger }

// Setup parses a delve-style comma-separated module=level list (e.g.
// "registry=debug,dwarfcfi=trace") and an overall default level, applying
// them to the loggers above. A malformed entry is reported but does not
// prevent the remaining entries from taking effect, matching delve's
// best-effort flag parsing.
func Setup(defaultLevel string, modules string, out io.Writer) error {
	lvl, err := logrus.ParseLevel(defaultLevel)
	if err != nil {
		return fmt.Errorf("logconf: invalid level %q: %w", defaultLevel, err)
	}
	for _, l := range []*logrus.Entry{registryLogger, imageLogger, dwarfLogger, cliLogger} {
		l.Logger.SetLevel(lvl)
		if out != nil {
			l.Logger.SetOutput(out)
		}
	}

	var errs []string
	for _, kv := range strings.Split(modules, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			errs = append(errs, kv)
			continue
		}
		entry, ok := byName(parts[0])
		if !ok {
			errs = append(errs, kv)
			continue
		}
		ml, err := logrus.ParseLevel(parts[1])
		if err != nil {
			errs = append(errs, kv)
			continue
		}
		entry.Logger.SetLevel(ml)
	}
	if len(errs) > 0 {
		return fmt.Errorf("logconf: could not parse module levels: %s", strings.Join(errs, ", "))
	}
	return nil
}

func byName(name string) (*logrus.Entry, bool) {
	switch name {
	case "registry":
		return registryLogger, true
	case "image":
		return imageLogger, true
	case "dwarfcfi":
		return dwarfLogger, true
	case "cli":
		return cliLogger, true
	default:
		return nil, false
	}
}
