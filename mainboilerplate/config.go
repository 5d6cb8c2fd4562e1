package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// MustParseConfig requires that parser parse from the combination of an
// optional INI file named configName, environment bindings, and explicit
// flags. The INI file is searched for in the current working directory and
// under ~/.config/bookie.
func MustParseConfig(parser *flags.Parser, configName string) {
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)
	var prefixes = []string{
		".",
		filepath.Join(os.Getenv("HOME"), ".config", "bookie"),
	}
	for _, prefix := range prefixes {
		var path = filepath.Join(prefix, configName)

		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Println(err)
			os.Exit(1)
		}
	}

	parser.Options = origOptions
	MustParseArgs(parser)
}

// MustParseArgs requires that parser parse os.Args without error, exiting
// the process with a helpful message otherwise.
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var flagErr, ok = err.(*flags.Error)
		if !ok {
			Must(err, "fatal error")
		}

		switch flagErr.Type {
		case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
			panic(err)
		case flags.ErrHelp:
			if parser.Options&flags.PrintErrors == 0 {
				parser.WriteHelp(os.Stderr)
			}
			os.Exit(1)
		default:
			os.Exit(1)
		}
	}
}

// Must exits the process with a fatal log message if err is non-nil.
// Additional args are interpreted as alternating string keys and values,
// attached to the log entry as fields.
func Must(err error, message string, args ...interface{}) {
	if err == nil {
		return
	}
	var fields = log.Fields{"err": err}
	for i := 0; i+1 < len(args); i += 2 {
		if k, ok := args[i].(string); ok {
			fields[k] = args[i+1]
		}
	}
	log.WithFields(fields).Fatal(message)
}
