package main

import "github.com/urfave/cli/v3"

var (
	modelPath  string
	weights    string
	recipeRef  string
	outputDir  string
	numSamples int
	seed       int64
	workers    int
	logLevel   string
	logFormat  string
	debug      bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to the float .mcf model",
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "safetensors checkpoint whose tensors replace same-named constants",
			Destination: &weights,
		},
		&cli.IntFlag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "worker goroutines (0 = GOMAXPROCS)",
			Destination: &workers,
		},
	}
}

func recipeFlag(required bool) cli.Flag {
	return &cli.StringFlag{
		Name:        "recipe",
		Aliases:     []string{"r"},
		Usage:       "built-in recipe name or path to a .json/.yaml recipe",
		Destination: &recipeRef,
		Required:    required,
	}
}

func samplingFlags(name string, value int) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        name,
			Usage:       "number of random input samples",
			Value:       value,
			Destination: &numSamples,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for generated samples",
			Value:       1,
			Destination: &seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
