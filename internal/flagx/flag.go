// Package flagx lets independent loaders parse only their own flags out of a
// shared argument list.
package flagx

import (
	"flag"
	"io"
	"os"
	"strings"
)

// ConfigEnvName names the environment variable consulted when no -c/-config
// flag is given.
const ConfigEnvName = "MEDVAULT_CONFIG"

// FilterArgs keeps only the flags whose bare names are listed in names,
// together with their values. Both single and double dash spellings match,
// in either "-name value" or "-name=value" form. The result is never nil.
func FilterArgs(args []string, names ...string) []string {
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[strings.TrimLeft(n, "-")] = struct{}{}
	}

	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			continue
		}

		name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if _, ok := allowed[name]; !ok {
			continue
		}
		filtered = append(filtered, arg)

		if !hasValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}

	return filtered
}

// ConfigPath returns the JSON config path given by -c/-config in args,
// falling back to $MEDVAULT_CONFIG. Empty means no file.
func ConfigPath(args []string) string {
	var path string

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&path, "config", "", "path to JSON config file")
	fs.StringVar(&path, "c", "", "path to JSON config file (short)")
	_ = fs.Parse(FilterArgs(args, "c", "config"))

	if path == "" {
		path = os.Getenv(ConfigEnvName)
	}
	return path
}
