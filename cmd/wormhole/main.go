// Command wormhole is the per-profile wrapper binary: invoked under the
// name of one of its configured profiles (usually via a symlink), it
// assembles that profile's environment into the calling process's mount
// namespace and execs the real command in its place.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/okirch/wormhole/assemble"
	"github.com/okirch/wormhole/config"
	"github.com/okirch/wormhole/fsops"
	"github.com/okirch/wormhole/internal/trace"
	"github.com/okirch/wormhole/layer"
	"github.com/okirch/wormhole/nsutil"
	"github.com/okirch/wormhole/ociroot"
)

const defaultConfigPath = "/etc/wormhole/wormhole.conf"

var (
	configPath string
	privileged bool
	debug      bool
)

func printUsage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(flag.CommandLine.Output(), "Invoke this binary under the name of a configured profile (usually via a symlink).\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = printUsage
	flag.StringVar(&configPath, "config", "", "Path to the wormhole configuration file")
	flag.BoolVar(&privileged, "privileged-namespace", false, "Create a plain mount namespace instead of a user namespace")
	flag.BoolVar(&debug, "debug", false, "Increase debugging verbosity")

	argv0 := os.Args[0]
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if debug {
		trace.IncrementLevel()
	}
	if level, err := strconv.Atoi(os.Getenv("WORMHOLE_DEBUG")); err == nil {
		trace.SetLevel(level)
	}

	if err := run(argv0); err != nil {
		fmt.Fprintf(os.Stderr, "wormhole: %v\n", err)
		os.Exit(1)
	}
}

func run(argv0 string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	commandName := filepath.Base(argv0)
	profile := findProfile(cfg, commandName)
	if profile == nil {
		return fmt.Errorf("no profile configured for %q", commandName)
	}

	env, ok := cfg.EnvironmentByName(profile.EnvironmentName)
	if !ok {
		return fmt.Errorf("profile %q refers to unknown environment %q", profile.Name, profile.EnvironmentName)
	}
	flattened, err := layer.Flatten(env, cfg.Resolver())
	if err != nil {
		return fmt.Errorf("resolving environment %q: %w", env.Name, err)
	}

	root, err := assembleEnvironment(cfg, flattened)
	if err != nil {
		return fmt.Errorf("setting up environment %q: %w", env.Name, err)
	}

	if root != "" {
		if err := unix.Chroot(root); err != nil {
			return fmt.Errorf("chroot to %s: %w", root, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("chdir: %w", err)
		}
	}

	trace.Trace("wormhole: executing %s", profile.Command)
	execArgs := append([]string{profile.Command}, os.Args[1:]...)
	if err := syscall.Exec(profile.Command, execArgs, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", profile.Command, err)
	}
	return nil
}

func findProfile(cfg *config.Config, commandName string) *config.Profile {
	for i := range cfg.Profiles {
		if cfg.Profiles[i].Name == commandName {
			return &cfg.Profiles[i]
		}
	}
	return nil
}

func assembleEnvironment(cfg *config.Config, env *layer.Environment) (string, error) {
	var runtime ociroot.Runtime
	if len(env.Layers) > 0 && env.Layers[0].Type == layer.KindImage {
		docker, err := ociroot.NewDocker()
		if err != nil {
			return "", fmt.Errorf("connecting to container runtime: %w", err)
		}
		runtime = docker
	}

	if err := createNamespace(); err != nil {
		return "", err
	}
	if err := makeRootPrivate(); err != nil {
		return "", err
	}

	a := assemble.New(runtime, cfg.ClientPath)
	if err := a.Assemble(env); err != nil {
		return "", err
	}

	root, _ := a.RootDirectory()
	return root, nil
}

func createNamespace() error {
	if privileged {
		return nsutil.CreateMountNamespace()
	}
	return nsutil.CreateUserNamespace()
}

func makeRootPrivate() error {
	return fsops.MakeFSPrivate("/")
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
