package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockjit/blockjit"
	"github.com/blockjit/blockjit/internal/disasm"
	"github.com/blockjit/blockjit/internal/version"
)

func main() {
	os.Exit(doMain(os.Args[1:], os.Stdout, os.Stderr))
}

// doMain is separated out for the purpose of unit testing.
func doMain(args []string, stdOut, stdErr io.Writer) int {
	cmd := newRootCmd(stdOut, stdErr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stdErr, "error: %v\n", err)
		return 1
	}
	return 0
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd(stdOut, stdErr io.Writer) *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:   "blockjit",
		Short: "Inspect and exercise the blockjit execution engine",
		Long: `blockjit maps a code region, emits the dispatcher, exit stubs and memory
trampolines, and either lists them or runs a synthetic workload through them.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML file with engine settings")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "debug, info, warn or error")

	root.AddCommand(newStubsCmd(&g, stdOut, stdErr), newRunCmd(&g, stdOut, stdErr), newVersionCmd(stdOut))
	return root
}

// newEngine creates an engine from the flags and the config file, wired to the workload callbacks.
func (g *globalFlags) newEngine(stdErr io.Writer) (*blockjit.Engine, error) {
	fc, err := loadFileConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	var level slog.Level
	if err = level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", g.logLevel)
	}
	if level, err = fc.logLevel(level); err != nil {
		return nil, err
	}
	cfg, err := fc.engineConfig()
	if err != nil {
		return nil, err
	}

	initCallbacks()
	logger := slog.New(slog.NewTextHandler(stdErr, &slog.HandlerOptions{Level: level}))
	return blockjit.NewEngine(cfg.
		WithLookupBlock(lookupFn, 0).
		WithMemoryCallbacks(memoryFns).
		WithLogger(logger))
}

func newStubsCmd(g *globalFlags, stdOut, stdErr io.Writer) *cobra.Command {
	var syntax string
	cmd := &cobra.Command{
		Use:   "stubs",
		Short: "Disassemble the fixed stubs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := disasm.ParseSyntax(syntax)
			if err != nil {
				return err
			}
			e, err := g.newEngine(stdErr)
			if err != nil {
				return err
			}
			defer e.Close()
			return printStubs(stdOut, e, s)
		},
	}
	cmd.Flags().StringVar(&syntax, "syntax", "intel", "intel, gnu or go")
	return cmd
}

func printStubs(w io.Writer, e *blockjit.Engine, syntax disasm.Syntax) error {
	stubs := e.Stubs()
	symbols := func(addr uint64) (string, uint64) {
		for _, s := range stubs {
			if uint64(s.Begin) <= addr && addr < uint64(s.End) {
				return s.Name, uint64(s.Begin)
			}
		}
		return "", 0
	}
	region := e.Code().Region()
	for _, s := range stubs {
		fmt.Fprintf(w, "%016x <%s>:\n", s.Begin, s.Name)
		lines, err := disasm.Disassemble(region.Bytes(s.Begin, s.End), s.Begin, syntax, symbols)
		if err != nil {
			return fmt.Errorf("stub %s: %w", s.Name, err)
		}
		if err = disasm.Fprint(w, lines); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	return nil
}

func newRunCmd(g *globalFlags, stdOut, stdErr io.Writer) *cobra.Command {
	var cycles, stopAfter uint64
	var blocks int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a synthetic countdown workload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if blocks <= 0 {
				return errors.New("--blocks must be positive")
			}
			if cycles == 0 || cycles > math.MaxInt64 {
				return fmt.Errorf("--cycles must be within [1, %d]", int64(math.MaxInt64))
			}
			e, err := g.newEngine(stdErr)
			if err != nil {
				return err
			}
			defer e.Close()

			w := &workload{mem: newSparseMemory(), stopAfter: stopAfter}
			if err = emitWorkload(e, w, blocks); err != nil {
				return fmt.Errorf("error emitting workload: %w", err)
			}
			active = w
			defer func() { active = nil }()

			ran := e.Run(blockjit.NewJitState(), cycles)
			fmt.Fprintf(stdOut, "cycles: %d\n", ran)
			fmt.Fprintf(stdOut, "dispatches: %d\n", w.dispatches)
			fmt.Fprintf(stdOut, "memory accesses: %d\n", w.mem.accesses)
			fmt.Fprintf(stdOut, "counter total: %d\n", w.mem.total())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&cycles, "cycles", 1000, "cycle budget")
	cmd.Flags().IntVar(&blocks, "blocks", 4, "number of translated blocks to cycle through")
	cmd.Flags().Uint64Var(&stopAfter, "stop-after", 0, "force a return after this many blocks, 0 to run out the budget")
	return cmd
}

func newVersionCmd(stdOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(stdOut, version.GetBlockjitVersion())
		},
	}
}
