package cli

import (
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var negativeRev = regexp.MustCompile(`^-[0-9]+$`)

// revisionArgs rewrites args so that negative revision numbers such as
// "-1" reach the command as positional arguments instead of being parsed
// as shorthand flags. When one is present, every positional argument is
// moved behind a "--" terminator in its original order. A negative number
// directly after a flag that takes a value stays that flag's value.
func revisionArgs(root *cobra.Command, args []string) []string {
	cmd, _, err := root.Find(args)
	if err != nil {
		return args
	}
	path := strings.Fields(cmd.CommandPath())[1:]

	var lead, flags, positional []string
	negative := false
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			positional = append(positional, args[i+1:]...)
			i = len(args)
		case negativeRev.MatchString(a):
			positional = append(positional, a)
			negative = true
		case len(a) > 1 && a[0] == '-':
			flags = append(flags, a)
			if takesValue(cmd, a) && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		case len(path) > 0 && a == path[0]:
			lead = append(lead, a)
			path = path[1:]
		default:
			positional = append(positional, a)
		}
	}
	if !negative {
		return args
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, lead...)
	out = append(out, flags...)
	out = append(out, "--")
	return append(out, positional...)
}

// takesValue reports whether flag arg consumes the following argument.
func takesValue(cmd *cobra.Command, arg string) bool {
	var f *pflag.Flag
	if strings.HasPrefix(arg, "--") {
		name := arg[2:]
		if strings.Contains(name, "=") {
			return false
		}
		if f = cmd.Flags().Lookup(name); f == nil {
			f = cmd.InheritedFlags().Lookup(name)
		}
	} else {
		if len(arg) != 2 {
			return false
		}
		if f = cmd.Flags().ShorthandLookup(arg[1:]); f == nil {
			f = cmd.InheritedFlags().ShorthandLookup(arg[1:])
		}
	}
	return f != nil && f.NoOptDefVal == ""
}
