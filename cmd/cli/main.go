package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/dmitrijs2005/mailkeeper/internal/cli"
	"github.com/dmitrijs2005/mailkeeper/internal/config"
	"github.com/dmitrijs2005/mailkeeper/internal/logging"
)

// flags consumed by the config layer; everything else is the command
var configFlags = map[string]bool{
	// flag name -> takes a value
	"-c": true, "-config": true,
	"-d": true, "-u": true, "-p": true, "-g": true, "-e": true, "-b": true, "-i": true,
	"-m": false,
}

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()

	logger := logging.NewJSON(os.Stderr)

	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx, positionalArgs(os.Args[1:])); err != nil {
		log.Fatalf("%v", err)
	}
}

// positionalArgs strips the flags (and their values) consumed by the config
// layer, leaving the command, the username and command options like -force.
func positionalArgs(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if eq := strings.IndexByte(arg, '='); eq > 0 && strings.HasPrefix(arg, "-") {
			if _, known := configFlags[arg[:eq]]; known {
				continue
			}
		}
		if takesValue, known := configFlags[arg]; known {
			if takesValue && i+1 < len(args) {
				i++
			}
			continue
		}
		out = append(out, arg)
	}
	return out
}
