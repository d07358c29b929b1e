// Command jsbridge runs JavaScript files and expressions on a jsbridge
// runtime.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/buke/jsbridge"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type config struct {
	modulePaths []string
	strict      bool
	timeout     time.Duration
	verbose     bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg config

	root := &cobra.Command{
		Use:           "jsbridge",
		Short:         "Run JavaScript on an embedded jsbridge runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringArrayVarP(&cfg.modulePaths, "module-path", "m", nil, "directory searched by require (repeatable)")
	flags.BoolVar(&cfg.strict, "strict", false, "run all code in strict mode")
	flags.DurationVar(&cfg.timeout, "timeout", 0, "interrupt scripts running longer than this (0 disables)")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "log runtime activity to stderr")

	root.AddCommand(
		&cobra.Command{
			Use:   "run <file>",
			Short: "Load and run a script file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := cfg.runtime()
				if err != nil {
					return err
				}
				defer rt.Close()
				return report(cmd, rt.Load(args[0]))
			},
		},
		&cobra.Command{
			Use:   "eval <source>",
			Short: "Evaluate an expression and print its value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := cfg.runtime()
				if err != nil {
					return err
				}
				defer rt.Close()
				v, err := rt.EvalLabel(args[0], "<eval>")
				if err != nil {
					return report(cmd, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), format(v))
				return nil
			},
		},
		&cobra.Command{
			Use:   "repl",
			Short: "Start an interactive session",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := cfg.runtime()
				if err != nil {
					return err
				}
				defer rt.Close()
				return repl(rt, os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr())
			},
		},
	)
	return root
}

func (cfg *config) runtime() (*jsbridge.Runtime, error) {
	logger := zap.NewNop()
	if cfg.verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}
	rt := jsbridge.NewRuntime(
		jsbridge.WithModulePaths(cfg.modulePaths...),
		jsbridge.WithStrict(cfg.strict),
		jsbridge.WithExecuteTimeout(cfg.timeout),
		jsbridge.WithLogger(logger),
	)
	if err := rt.Set("print", func(args ...any) {
		for i, a := range args {
			if i > 0 {
				fmt.Print(" ")
			}
			fmt.Print(format(a))
		}
		fmt.Println()
	}); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// report prints script errors with their stack trace.
func report(cmd *cobra.Command, err error) error {
	if err == nil {
		return nil
	}
	w := cmd.ErrOrStderr()
	fmt.Fprintln(w, err)
	if se, ok := err.(*jsbridge.ScriptError); ok && se.Stack != "" {
		fmt.Fprint(w, se.Stack)
	}
	return err
}
