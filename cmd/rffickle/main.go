// rffickle inspects and vets pickle files with the deserialization firewall.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/kisielk/rffickle"
	"github.com/kisielk/rffickle/config"
)

var log = commonlog.GetLogger("rffickle")

type command struct {
	name    string
	args    string
	summary string
	run     func(fs *flag.FlagSet, args []string, stdout io.Writer) error
}

var commands []command

func init() {
	commands = []command{
		{"check", "[-config f] file...", "run the firewall on each file, exit 1 on rejection", runCheck},
		{"dis", "file", "list the instructions of a pickle", runDis},
		{"inspect", "[-config f] file", "decode without executing anything and print the value", runInspect},
		{"policy", "[-config f]", "print the opcode table and the allow-listed symbols", runPolicy},
		{"convert", "[-config f] file", "run the firewall and write the value as CBOR to stdout", runConvert},
	}
}

// errRejected reports that check found at least one rejected file; the
// details were already printed.
var errRejected = errors.New("rejected")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: rffickle [-v n] command [options] [args...]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %-22s %s\n", c.name, c.args, c.summary)
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	top := flag.NewFlagSet("rffickle", flag.ContinueOnError)
	top.SetOutput(stderr)
	verbosity := top.Int("v", 0, "log verbosity")
	top.Usage = func() { usage(stderr) }
	if err := top.Parse(args); err != nil {
		return 2
	}
	commonlog.Configure(*verbosity, nil)

	if top.NArg() == 0 {
		usage(stderr)
		return 2
	}
	name := top.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		fs := flag.NewFlagSet(c.name, flag.ContinueOnError)
		fs.SetOutput(stderr)
		fs.Usage = func() {
			fmt.Fprintf(stderr, "Usage: rffickle %s %s\n", c.name, c.args)
			fs.PrintDefaults()
		}
		err := c.run(fs, top.Args()[1:], stdout)
		switch {
		case err == nil:
			return 0
		case errors.Is(err, flag.ErrHelp):
			return 2
		case errors.Is(err, errRejected):
			return 1
		}
		fmt.Fprintf(stderr, "rffickle %s: %v\n", c.name, err)
		return 1
	}
	fmt.Fprintf(stderr, "rffickle: unknown command %q\n", name)
	usage(stderr)
	return 2
}

// loadConfig reads the -config file, or takes the defaults, and applies the
// environment.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.FromEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	log.Debugf("config %q: allow %v", path, cfg.Policy.Allow)
	return cfg, nil
}

// parse parses flags and checks the number of positional arguments:
// exactly n, or at least 1 if n < 0.
func parse(fs *flag.FlagSet, args []string, n int) error {
	if err := fs.Parse(args); err != nil {
		// the flag package already reported it
		return flag.ErrHelp
	}
	if (n < 0 && fs.NArg() == 0) || (n >= 0 && fs.NArg() != n) {
		fs.Usage()
		return flag.ErrHelp
	}
	return nil
}

func runCheck(fs *flag.FlagSet, args []string, stdout io.Writer) error {
	configPath := fs.String("config", "", "configuration file")
	if err := parse(fs, args, -1); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	fw, err := cfg.NewFirewall(nil)
	if err != nil {
		return err
	}

	rejected := 0
	for _, path := range fs.Args() {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = fw.LoadReader(f)
		f.Close()

		var e *rffickle.Error
		switch {
		case err == nil:
			fmt.Fprintf(stdout, "%s: ok\n", path)
		case errors.As(err, &e):
			rejected++
			fmt.Fprintf(stdout, "%s: %s\n", path, describe(e))
			log.Warningf("%s: %v", path, err)
		default:
			return err
		}
	}
	if rejected > 0 {
		return errRejected
	}
	return nil
}

// describe renders a rejection as "Kind at pos (op OP, symbol S): reason".
func describe(e *rffickle.Error) string {
	s := e.Kind.String()
	if e.Pos >= 0 {
		s += fmt.Sprintf(" at %d (op %s", e.Pos, e.Op)
		if e.Symbol != "" {
			s += ", symbol " + e.Symbol
		}
		s += ")"
	} else if e.Symbol != "" {
		s += " (symbol " + e.Symbol + ")"
	}
	return s + ": " + e.Reason
}

func runDis(fs *flag.FlagSet, args []string, stdout io.Writer) error {
	if err := parse(fs, args, 1); err != nil {
		return err
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	return disassemble(stdout, data)
}

// disassemble lists the instructions of data, one per line.
func disassemble(w io.Writer, data []byte) error {
	r := rffickle.NewReader(data)
	for {
		insn, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if insn.Arg == nil {
			fmt.Fprintf(w, "%6d: %s\n", insn.Pos, insn.Op)
		} else {
			fmt.Fprintf(w, "%6d: %-16s %s\n", insn.Pos, insn.Op, rffickle.Format(insn.Arg))
		}
	}
}

func runInspect(fs *flag.FlagSet, args []string, stdout io.Writer) error {
	configPath := fs.String("config", "", "configuration file (limits and decode options)")
	if err := parse(fs, args, 1); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	v, err := rffickle.New(rffickle.SymbolicPolicy(), cfg.Firewall()).Load(data)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, rffickle.Format(v))
	return nil
}

func runPolicy(fs *flag.FlagSet, args []string, stdout io.Writer) error {
	configPath := fs.String("config", "", "configuration file")
	if err := parse(fs, args, 0); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	policy, err := cfg.BuildPolicy()
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, "opcodes:")
	for _, rule := range policy.Opcodes() {
		fmt.Fprintf(stdout, "  0x%02x %-16s proto %d  %s\n", byte(rule.Op), rule.Name, rule.Proto, rule.Class)
	}
	fmt.Fprintln(stdout, "symbols:")
	symbols := policy.Symbols()
	if len(symbols) == 0 {
		fmt.Fprintln(stdout, "  (none)")
	}
	for _, sym := range symbols {
		fmt.Fprintf(stdout, "  %s\n", sym)
	}
	return nil
}

func runConvert(fs *flag.FlagSet, args []string, stdout io.Writer) error {
	configPath := fs.String("config", "", "configuration file")
	if err := parse(fs, args, 1); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	fw, err := cfg.NewFirewall(nil)
	if err != nil {
		return err
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	v, err := fw.LoadReader(f)
	if err != nil {
		return err
	}
	out, err := marshalCBOR(v)
	if err != nil {
		return err
	}
	_, err = stdout.Write(out)
	return err
}
