// Command wormhole-autoprofile turns an already-captured directory tree
// into a config environment block, by applying a keyword-driven profile
// script and flagging anything the script left untouched as a stray.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/okirch/wormhole/autoprofile"
	"github.com/okirch/wormhole/config"
	"github.com/okirch/wormhole/internal/trace"
	"github.com/okirch/wormhole/layer"
)

var (
	overlayRoot      string
	environmentName  string
	outputFile       string
	profilePath      string
	wrapperDirectory string
	debug            bool
)

func printUsage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options] profile-file\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = printUsage
	flag.StringVar(&overlayRoot, "overlay-root", "", "Directory tree to analyze")
	flag.StringVar(&environmentName, "environment-name", "", "Name of the emitted environment (defaults to the overlay root's base name)")
	flag.StringVar(&outputFile, "output-file", "", "Config file to write (defaults to standard output)")
	flag.StringVar(&wrapperDirectory, "wrapper-directory", "", "Directory to place command wrappers in for check-binaries")
	flag.BoolVar(&debug, "debug", false, "Increase debugging verbosity")

	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if debug {
		trace.IncrementLevel()
	}
	if level, err := strconv.Atoi(os.Getenv("WORMHOLE_DEBUG")); err == nil {
		trace.SetLevel(level)
	}

	if overlayRoot == "" {
		fmt.Fprintln(os.Stderr, "wormhole-autoprofile: -overlay-root is required")
		os.Exit(2)
	}
	if flag.NArg() != 1 {
		printUsage()
	}
	profilePath = flag.Arg(0)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wormhole-autoprofile: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	directives, err := autoprofile.LoadProfile(profilePath)
	if err != nil {
		return fmt.Errorf("loading profile %s: %w", profilePath, err)
	}

	env, profiles, err := autoprofile.Run(autoprofile.Options{
		Root:             overlayRoot,
		EnvironmentName:  environmentName,
		WrapperDirectory: wrapperDirectory,
		Directives:       directives,
	})
	if err != nil {
		return err
	}

	cfg := &config.Config{
		Profiles:     profiles,
		Environments: []layer.Environment{*env},
	}

	if outputFile == "" {
		return writeStdout(cfg)
	}
	return config.Write(outputFile, cfg)
}

func writeStdout(cfg *config.Config) error {
	tmp, err := os.CreateTemp("", "wormhole-autoprofile-*.conf")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := config.Write(tmpPath, cfg); err != nil {
		return err
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
