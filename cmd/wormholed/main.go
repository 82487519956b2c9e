// Command wormholed is the daemon front end: it listens on a Unix
// socket, resolves namespace requests against the loaded profiles, and
// drives the fork-helper contract that keeps namespace mutations out of
// the daemon's own process (one helper per environment, reaped once it
// hands back a namespace fd).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/okirch/wormhole/assemble"
	"github.com/okirch/wormhole/config"
	"github.com/okirch/wormhole/fsops"
	"github.com/okirch/wormhole/internal/trace"
	"github.com/okirch/wormhole/layer"
	"github.com/okirch/wormhole/nsutil"
	"github.com/okirch/wormhole/ociroot"
	"github.com/okirch/wormhole/transport"
)

const (
	defaultConfigPath = "/etc/wormhole/wormhole.conf"
	defaultSocketPath = "/run/wormholed.sock"
	setupHelperArg    = "--setup-helper"
)

var (
	configPath string
	socketPath string
	foreground bool
	noConfig   bool
	debug      bool
)

func printUsage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == setupHelperArg {
		runSetupHelper(os.Args[2:])
		return
	}

	flag.Usage = printUsage
	flag.StringVar(&configPath, "config", "", "Path to the wormhole configuration file")
	flag.StringVar(&socketPath, "name", "", "Path of the listening socket")
	flag.BoolVar(&foreground, "foreground", false, "Stay in the foreground instead of backgrounding")
	flag.BoolVar(&noConfig, "no-config", false, "Do not load any configuration file (used by sub-daemons)")
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

	var cfg *config.Config
	if noConfig {
		trace.Trace("wormholed: not loading any config file")
		cfg = &config.Config{}
	} else {
		loaded, err := config.Load(resolveConfigPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "wormholed: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	d := newDaemon(cfg)
	if err := d.listenAndServe(resolveSocketPath()); err != nil {
		fmt.Fprintf(os.Stderr, "wormholed: %v\n", err)
		os.Exit(1)
	}
}

// daemon resolves namespace requests for a loaded configuration,
// coordinating at most one in-flight setup helper per environment.
type daemon struct {
	cfg    *config.Config
	setups *transport.SetupTable

	mu      sync.Mutex
	pending map[string]*asyncResult
}

type asyncResult struct {
	fd   int
	err  error
	done chan struct{}
}

func newDaemon(cfg *config.Config) *daemon {
	return &daemon{
		cfg:     cfg,
		setups:  transport.NewSetupTable(),
		pending: make(map[string]*asyncResult),
	}
}

func (d *daemon) listenAndServe(path string) error {
	os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	defer listener.Close()

	trace.Trace("wormholed: listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go d.handleConn(conn)
	}
}

// handleConn implements a one-line-request, one-reply protocol:
// the client writes the profile name, the daemon replies with a
// namespace fd (via SCM_RIGHTS, carried on a one-byte payload). No
// command path is sent back.
func (d *daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		trace.Error("wormholed: connection is not a unix socket")
		return
	}
	file, err := unixConn.File()
	if err != nil {
		trace.Error("wormholed: dup client socket: %v", err)
		return
	}
	defer file.Close()

	client, err := transport.NewSocket(int(file.Fd()))
	if err != nil {
		trace.Error("wormholed: wrap client socket: %v", err)
		return
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		trace.Error("wormholed: reading request: %v", err)
		return
	}
	profileName := trimNewline(line)

	profile := findProfile(d.cfg, profileName)
	if profile == nil {
		trace.Error("wormholed: no profile for %q", profileName)
		return
	}

	if profile.EnvironmentName == "" {
		trace.Trace("wormholed: profile %q has no environment, nothing to assemble", profileName)
		return
	}

	env, ok := d.cfg.EnvironmentByName(profile.EnvironmentName)
	if !ok {
		trace.Error("wormholed: profile %q refers to unknown environment %q", profileName, profile.EnvironmentName)
		return
	}

	result := d.setupEnvironment(env)
	if result.err != nil {
		trace.Error("wormholed: setting up %q: %v", env.Name, result.err)
		return
	}

	if err := client.SendNamespaceFd(result.fd); err != nil {
		trace.Error("wormholed: replying to client: %v", err)
	}
}

// setupEnvironment returns the (possibly shared) result of the single
// in-flight helper assembling env, starting one if none is pending.
func (d *daemon) setupEnvironment(env *layer.Environment) *asyncResult {
	d.mu.Lock()
	if r, exists := d.pending[env.Name]; exists {
		d.mu.Unlock()
		<-r.done
		return r
	}
	r := &asyncResult{done: make(chan struct{})}
	d.pending[env.Name] = r
	d.mu.Unlock()

	d.runHelper(env, r)

	d.mu.Lock()
	delete(d.pending, env.Name)
	d.mu.Unlock()

	return r
}

func (d *daemon) runHelper(env *layer.Environment, r *asyncResult) {
	defer close(r.done)

	parentSock, childSock, err := transport.NewSocketPair()
	if err != nil {
		r.err = fmt.Errorf("creating setup socketpair: %w", err)
		return
	}
	defer parentSock.Close()

	childFile, err := childSock.File()
	childSock.Close()
	if err != nil {
		r.err = fmt.Errorf("dup child socket: %w", err)
		return
	}
	defer childFile.Close()

	self, err := os.Executable()
	if err != nil {
		r.err = fmt.Errorf("resolving own path: %w", err)
		return
	}

	cmd := exec.Command(self, setupHelperArg, env.Name)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "WORMHOLE_CONFIG="+resolveConfigPath())

	if err := d.setups.Begin(env.Name, &transport.PendingSetup{Cmd: cmd, Socket: parentSock}); err != nil {
		r.err = err
		return
	}
	defer d.setups.Finish(env.Name)

	if err := cmd.Start(); err != nil {
		r.err = fmt.Errorf("starting setup helper: %w", err)
		return
	}

	fd, recvErr := parentSock.RecvNamespaceFd()
	waitErr := cmd.Wait()
	if recvErr != nil {
		r.err = fmt.Errorf("setup helper for %q: %w", env.Name, recvErr)
		return
	}
	if waitErr != nil {
		trace.Trace("wormholed: setup helper for %q exited: %v", env.Name, waitErr)
	}
	r.fd = fd
}

// runSetupHelper is the child side of the fork-helper contract: it
// creates a fresh namespace, assembles envName, and sends back an open
// /proc/self/ns/mnt descriptor over fd 3.
func runSetupHelper(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "wormholed: setup helper requires exactly one environment name")
		os.Exit(2)
	}
	envName := args[0]

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fatalHelper("loading configuration: %v", err)
	}
	env, ok := cfg.EnvironmentByName(envName)
	if !ok {
		fatalHelper("unknown environment %q", envName)
	}
	flattened, err := layer.Flatten(env, cfg.Resolver())
	if err != nil {
		fatalHelper("resolving environment %q: %v", envName, err)
	}

	if err := nsutil.CreateUserNamespace(); err != nil {
		fatalHelper("creating namespace: %v", err)
	}
	if err := fsops.MakeFSPrivate("/"); err != nil {
		fatalHelper("making / private: %v", err)
	}

	var runtime ociroot.Runtime
	if len(flattened.Layers) > 0 && flattened.Layers[0].Type == layer.KindImage {
		docker, err := ociroot.NewDocker()
		if err != nil {
			fatalHelper("connecting to container runtime: %v", err)
		}
		runtime = docker
	}

	a := assemble.New(runtime, cfg.ClientPath)
	if err := a.Assemble(flattened); err != nil {
		fatalHelper("assembling %q: %v", envName, err)
	}

	nsFile, err := os.Open("/proc/self/ns/mnt")
	if err != nil {
		fatalHelper("opening own mount namespace: %v", err)
	}
	defer nsFile.Close()

	sock, err := transport.NewSocket(3)
	if err != nil {
		fatalHelper("wrapping handoff socket: %v", err)
	}
	if err := sock.SendNamespaceFd(int(nsFile.Fd())); err != nil {
		fatalHelper("sending namespace fd: %v", err)
	}
	os.Exit(0)
}

func fatalHelper(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "wormholed setup helper: "+format+"\n", args...)
	os.Exit(1)
}

func findProfile(cfg *config.Config, name string) *config.Profile {
	for i := range cfg.Profiles {
		if cfg.Profiles[i].Name == name {
			return &cfg.Profiles[i]
		}
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
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

func resolveSocketPath() string {
	if socketPath != "" {
		return socketPath
	}
	if env := os.Getenv("WORMHOLE_SOCKET_PATH"); env != "" {
		return env
	}
	return defaultSocketPath
}
