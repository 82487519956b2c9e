// Package config loads the wormhole configuration grammar: a small
// brace-delimited language describing profiles (a command plus the
// environment it runs in) and environments (a stack of layers).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/okirch/wormhole/layer"
)

// Profile binds a wrapper invocation name to a command and the
// environment it should run inside.
type Profile struct {
	Name            string
	Wrapper         string
	Command         string
	EnvironmentName string
}

// Config is the fully-loaded, cross-referenced result of parsing one
// configuration file or directory tree.
type Config struct {
	ClientPath   string
	Profiles     []Profile
	Environments []layer.Environment
}

// EnvironmentByName looks up a loaded environment by name.
func (c *Config) EnvironmentByName(name string) (*layer.Environment, bool) {
	for i := range c.Environments {
		if c.Environments[i].Name == name {
			return &c.Environments[i], true
		}
	}
	return nil, false
}

// Resolver returns a layer.Resolver backed by this config's loaded
// environments, suitable for passing to layer.Flatten.
func (c *Config) Resolver() layer.Resolver {
	return func(name string) (*layer.Environment, error) {
		env, ok := c.EnvironmentByName(name)
		if !ok {
			return nil, fmt.Errorf("config: no such environment %q", name)
		}
		return env, nil
	}
}

// Write serializes c back to path using the package-level Write
// function.
func (c *Config) Write(path string) error {
	return Write(path, c)
}

// Load parses path, which may be a single config file or a directory
// of them (loaded in sorted-filename order), following any "config"
// include directives it contains.
func Load(path string) (*Config, error) {
	p := &parser{cfg: &Config{}, warned: make(map[string]bool)}
	if err := p.loadPath(path); err != nil {
		return nil, err
	}
	return p.cfg, nil
}

type parser struct {
	cfg    *Config
	warned map[string]bool
}

func (p *parser) loadPath(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if fi.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("config: reading directory %s: %w", path, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if err := p.loadPath(filepath.Join(path, name)); err != nil {
				return err
			}
		}
		return nil
	}
	return p.loadFile(path)
}

func (p *parser) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	lex, err := newLexer(f, path)
	if err != nil {
		return err
	}
	return p.parseToplevel(lex, path)
}

func (p *parser) parseToplevel(lex *lexer, filename string) error {
	for {
		tok, ok := lex.next()
		if !ok {
			return nil
		}
		switch tok.text {
		case "config":
			included, err := p.expectValue(lex, filename)
			if err != nil {
				return err
			}
			if !filepath.IsAbs(included) {
				included = filepath.Join(filepath.Dir(filename), included)
			}
			if err := p.loadPath(included); err != nil {
				return err
			}

		case "client-path":
			value, err := p.expectValue(lex, filename)
			if err != nil {
				return err
			}
			p.cfg.ClientPath = value

		case "profile":
			if err := p.parseProfile(lex, filename); err != nil {
				return err
			}

		case "environment":
			if err := p.parseEnvironment(lex, filename); err != nil {
				return err
			}

		default:
			return parseErrorf(filename, tok.line, "unexpected top-level keyword %q", tok.text)
		}
	}
}

func (p *parser) parseProfile(lex *lexer, filename string) error {
	name, err := p.expectValue(lex, filename)
	if err != nil {
		return err
	}
	if err := p.expectBrace(lex, filename, "{"); err != nil {
		return err
	}

	profile := Profile{Name: name}
	for {
		tok, ok := lex.next()
		if !ok {
			return parseErrorf(filename, 0, "unexpected end of file inside profile %q", name)
		}
		if tok.text == "}" {
			break
		}
		value, err := p.expectValue(lex, filename)
		if err != nil {
			return err
		}
		switch tok.text {
		case "wrapper":
			profile.Wrapper = value
		case "command":
			profile.Command = value
		case "environment":
			profile.EnvironmentName = value
		default:
			return parseErrorf(filename, tok.line, "unknown profile directive %q", tok.text)
		}
	}

	p.cfg.Profiles = append(p.cfg.Profiles, profile)
	return nil
}

func (p *parser) parseEnvironment(lex *lexer, filename string) error {
	name, err := p.expectValue(lex, filename)
	if err != nil {
		return err
	}
	if err := p.expectBrace(lex, filename, "{"); err != nil {
		return err
	}

	env := layer.Environment{Name: name}
	for {
		tok, ok := lex.next()
		if !ok {
			return parseErrorf(filename, 0, "unexpected end of file inside environment %q", name)
		}
		if tok.text == "}" {
			break
		}

		keyword := p.rewriteObsolete(tok.text)

		switch keyword {
		case "provides":
			value, err := p.expectValue(lex, filename)
			if err != nil {
				return err
			}
			env.Provides = append(env.Provides, layer.ParseCapability(value))

		case "requires":
			value, err := p.expectValue(lex, filename)
			if err != nil {
				return err
			}
			env.Requires = append(env.Requires, layer.ParseCapability(value))

		case "define-layer":
			l, err := p.parseLayerBlock(lex, filename, layer.KindLayer)
			if err != nil {
				return err
			}
			env.Layers = append(env.Layers, l)

		case "define-image":
			l, err := p.parseLayerBlock(lex, filename, layer.KindImage)
			if err != nil {
				return err
			}
			env.Layers = append(env.Layers, l)

		case "use-environment":
			value, err := p.expectValue(lex, filename)
			if err != nil {
				return err
			}
			env.Layers = append(env.Layers, layer.Layer{Type: layer.KindReference, LowerLayerName: value})

		default:
			return parseErrorf(filename, tok.line, "unknown environment directive %q", tok.text)
		}
	}

	p.cfg.Environments = append(p.cfg.Environments, env)
	return nil
}

// rewriteObsolete implements the "obsolete keyword rewrite" (spec.md
// §6): "overlay" within an environment means "define-layer", and
// "layer" means "use-environment". Each is warned about at most once
// per parser instance.
func (p *parser) rewriteObsolete(keyword string) string {
	switch keyword {
	case "overlay":
		p.warnOnce(keyword, "keyword \"overlay\" is obsolete inside an environment block; use \"define-layer\"")
		return "define-layer"
	case "layer":
		p.warnOnce(keyword, "keyword \"layer\" is obsolete inside an environment block; use \"use-environment\"")
		return "use-environment"
	default:
		return keyword
	}
}

func (p *parser) warnOnce(keyword, message string) {
	if p.warned[keyword] {
		return
	}
	p.warned[keyword] = true
	fmt.Fprintln(os.Stderr, "config: warning:", message)
}

func (p *parser) parseLayerBlock(lex *lexer, filename string, kind layer.Kind) (layer.Layer, error) {
	l := layer.Layer{Type: kind}

	if err := p.expectBrace(lex, filename, "{"); err != nil {
		return l, err
	}

	for {
		tok, ok := lex.next()
		if !ok {
			return l, parseErrorf(filename, 0, "unexpected end of file inside layer block")
		}
		if tok.text == "}" {
			break
		}

		switch tok.text {
		case "directory":
			value, err := p.expectValue(lex, filename)
			if err != nil {
				return l, err
			}
			l.Directory = value

		case "image":
			value, err := p.expectValue(lex, filename)
			if err != nil {
				return l, err
			}
			l.Image = value

		case "use":
			value, err := p.expectValue(lex, filename)
			if err != nil {
				return l, err
			}
			if value != "ldconfig" {
				return l, parseErrorf(filename, tok.line, "unknown \"use\" feature %q", value)
			}
			l.UseLdconfig = true

		case "bind", "bind-children", "overlay", "overlay-children", "wormhole":
			path, err := p.expectValue(lex, filename)
			if err != nil {
				return l, err
			}
			l.Paths = append(l.Paths, layer.PathDirective{Kind: directiveKind(tok.text), Path: path})

		case "mount":
			pd, err := p.parseMountDirective(lex, filename, tok.line)
			if err != nil {
				return l, err
			}
			l.Paths = append(l.Paths, pd)

		default:
			return l, parseErrorf(filename, tok.line, "unknown layer directive %q", tok.text)
		}
	}

	return l, nil
}

func (p *parser) parseMountDirective(lex *lexer, filename string, line int) (layer.PathDirective, error) {
	path, err := p.expectValue(lex, filename)
	if err != nil {
		return layer.PathDirective{}, err
	}
	fstype, err := p.expectValue(lex, filename)
	if err != nil {
		return layer.PathDirective{}, err
	}
	pd := layer.PathDirective{Kind: layer.Mount, Path: path, Fstype: fstype}

	// DEVICE and OPTIONS are optional and end at the next known
	// keyword or closing brace; a mount line consumes tokens greedily
	// up to two more values.
	if next, ok := lex.peek(); ok && !isLayerKeyword(next.text) && next.text != "}" {
		lex.next()
		pd.Device = next.text
	}
	if next, ok := lex.peek(); ok && !isLayerKeyword(next.text) && next.text != "}" {
		lex.next()
		pd.Options = next.text
	}
	return pd, nil
}

func isLayerKeyword(word string) bool {
	switch word {
	case "directory", "image", "use", "bind", "bind-children", "overlay", "overlay-children", "wormhole", "mount":
		return true
	default:
		return false
	}
}

func directiveKind(keyword string) layer.DirectiveKind {
	switch keyword {
	case "bind":
		return layer.Bind
	case "bind-children":
		return layer.BindChildren
	case "overlay":
		return layer.Overlay
	case "overlay-children":
		return layer.OverlayChildren
	case "wormhole":
		return layer.Wormhole
	default:
		return layer.Hide
	}
}

func (p *parser) expectValue(lex *lexer, filename string) (string, error) {
	tok, ok := lex.next()
	if !ok {
		return "", parseErrorf(filename, 0, "unexpected end of file, expected a value")
	}
	if tok.text == "{" || tok.text == "}" {
		return "", parseErrorf(filename, tok.line, "expected a value, got %q", tok.text)
	}
	return tok.text, nil
}

func (p *parser) expectBrace(lex *lexer, filename, want string) error {
	tok, ok := lex.next()
	if !ok || tok.text != want {
		got := "end of file"
		line := 0
		if ok {
			got = tok.text
			line = tok.line
		}
		return parseErrorf(filename, line, "expected %q, got %q", want, got)
	}
	return nil
}

// Write serializes cfg back to the grammar Load understands. Profiles
// and environments are written in slice order; layer path directives
// are written in the order they appear in each layer.
func Write(path string, cfg *Config) error {
	var b strings.Builder

	if cfg.ClientPath != "" {
		fmt.Fprintf(&b, "client-path %s\n", cfg.ClientPath)
	}

	for _, p := range cfg.Profiles {
		fmt.Fprintf(&b, "profile %s {\n", p.Name)
		if p.Wrapper != "" {
			fmt.Fprintf(&b, "\twrapper %s\n", p.Wrapper)
		}
		if p.Command != "" {
			fmt.Fprintf(&b, "\tcommand %s\n", p.Command)
		}
		if p.EnvironmentName != "" {
			fmt.Fprintf(&b, "\tenvironment %s\n", p.EnvironmentName)
		}
		b.WriteString("}\n")
	}

	for _, env := range cfg.Environments {
		fmt.Fprintf(&b, "environment %s {\n", env.Name)
		for _, c := range env.Provides {
			fmt.Fprintf(&b, "\tprovides %s\n", c.ID)
		}
		for _, c := range env.Requires {
			fmt.Fprintf(&b, "\trequires %s\n", c.ID)
		}
		for _, l := range env.Layers {
			writeLayerBlock(&b, l)
		}
		b.WriteString("}\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

func writeLayerBlock(b *strings.Builder, l layer.Layer) {
	switch l.Type {
	case layer.KindReference:
		fmt.Fprintf(b, "\tuse-environment %s\n", l.LowerLayerName)
		return
	case layer.KindImage:
		b.WriteString("\tdefine-image {\n")
		fmt.Fprintf(b, "\t\timage %s\n", l.Image)
	default:
		b.WriteString("\tdefine-layer {\n")
		if l.Directory != "" {
			fmt.Fprintf(b, "\t\tdirectory %s\n", l.Directory)
		}
		if l.UseLdconfig {
			b.WriteString("\t\tuse ldconfig\n")
		}
	}
	for _, pd := range l.Paths {
		writePathDirective(b, pd)
	}
	b.WriteString("\t}\n")
}

func writePathDirective(b *strings.Builder, pd layer.PathDirective) {
	switch pd.Kind {
	case layer.Mount:
		fmt.Fprintf(b, "\t\tmount %s %s", pd.Path, pd.Fstype)
		if pd.Device != "" {
			fmt.Fprintf(b, " %s", pd.Device)
		}
		if pd.Options != "" {
			fmt.Fprintf(b, " %s", pd.Options)
		}
		b.WriteString("\n")
	case layer.Hide:
		// Hide directives are not representable in the grammar; they
		// arise only from in-memory analysis passes.
	default:
		fmt.Fprintf(b, "\t\t%s %s\n", pd.Kind, pd.Path)
	}
}

func parseErrorf(filename string, line int, format string, args ...interface{}) error {
	prefix := filename
	if line > 0 {
		prefix = fmt.Sprintf("%s:%d", filename, line)
	}
	return fmt.Errorf("config: %s: %s", prefix, fmt.Sprintf(format, args...))
}
