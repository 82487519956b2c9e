// Command wormhole-dig runs a command inside a private, writable view of
// a base environment and captures whatever it changed into a new layer
// plus a config file describing it.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/okirch/wormhole/capreg"
	"github.com/okirch/wormhole/config"
	"github.com/okirch/wormhole/digger"
	"github.com/okirch/wormhole/internal/trace"
	"github.com/okirch/wormhole/layer"
	"github.com/okirch/wormhole/ociroot"
)

const (
	defaultConfigPath   = "/etc/wormhole/wormhole.conf"
	defaultRegistryPath = "/var/lib/wormhole/command"
)

type bindMountTypeList []string

func (l *bindMountTypeList) String() string { return strings.Join(*l, ",") }
func (l *bindMountTypeList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

var (
	configPath          string
	baseEnvironment     string
	overlayRoot         string
	environmentName     string
	privilegedNamespace bool
	clean               bool
	buildScript         string
	buildDirectory      string
	bindMountTypes      bindMountTypeList
	debug               bool
)

func printUsage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options] -- [command args...]\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = printUsage
	flag.StringVar(&configPath, "config", "", "Path to the wormhole configuration file")
	flag.StringVar(&baseEnvironment, "base-environment", "", "Capability string identifying the environment to extend")
	flag.StringVar(&overlayRoot, "overlay-root", "", "Output directory for the captured layer")
	flag.StringVar(&overlayRoot, "overlay-directory", "", "Alias for -overlay-root")
	flag.StringVar(&environmentName, "environment-name", "", "Name of the captured environment (defaults to the overlay root's base name)")
	flag.BoolVar(&privilegedNamespace, "privileged-namespace", false, "Create a plain mount namespace instead of a user namespace")
	flag.BoolVar(&clean, "clean", false, "Remove a pre-existing overlay root before starting")
	flag.StringVar(&buildScript, "build-script", "", "Script to bind at /build.sh and prepend to the command")
	flag.StringVar(&buildDirectory, "build-directory", "", "Directory to bind at /build and use as the working directory")
	flag.Var(&bindMountTypes, "bind-mount-type", "Additional filesystem type to rebind rather than overlay (repeatable)")
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
		fmt.Fprintln(os.Stderr, "wormhole-dig: -overlay-root is required")
		os.Exit(2)
	}

	if err := run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "wormhole-dig: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	var base *layer.Environment
	if baseEnvironment != "" {
		resolved, err := resolveBaseEnvironment(cfg, baseEnvironment)
		if err != nil {
			return err
		}
		base = resolved
	}

	var runtime ociroot.Runtime
	if base != nil && len(base.Layers) > 0 && base.Layers[0].Type == layer.KindImage {
		docker, err := ociroot.NewDocker()
		if err != nil {
			return fmt.Errorf("connecting to container runtime: %w", err)
		}
		runtime = docker
	}

	if clean {
		if err := os.RemoveAll(overlayRoot); err != nil {
			return fmt.Errorf("removing %s: %w", overlayRoot, err)
		}
	}

	opts := digger.Options{
		OverlayRoot:         overlayRoot,
		EnvironmentName:     environmentName,
		PrivilegedNamespace: privilegedNamespace,
		Clean:               clean,
		BuildDirectory:      buildDirectory,
		BuildScript:         buildScript,
		BindMountTypes:      []string(bindMountTypes),
		Runtime:             runtime,
		ClientPath:          cfg.ClientPath,
	}

	_, err = digger.Capture(opts, base, baseEnvironment, argv)
	return err
}

func resolveBaseEnvironment(cfg *config.Config, id string) (*layer.Environment, error) {
	if env, ok := cfg.EnvironmentByName(id); ok {
		return env, nil
	}

	reg := capreg.New(defaultRegistryPath)
	path, ok, err := reg.BestMatch(id)
	if err != nil {
		return nil, fmt.Errorf("resolving base environment %q: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("no environment satisfies base capability %q", id)
	}

	baseCfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	for i := range baseCfg.Environments {
		return &baseCfg.Environments[i], nil
	}
	return nil, fmt.Errorf("%s defines no environment", path)
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("WORMHOLE_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
