package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/buke/jsbridge"
	"golang.org/x/term"
)

const prompt = "> "

// repl reads lines from in and evaluates each one. A terminal gets line
// editing and history; anything else is read line by line.
func repl(rt *jsbridge.Runtime, in *os.File, out, errOut io.Writer) error {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			evalLine(rt, sc.Text(), out, errOut)
		}
		return sc.Err()
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, state)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, prompt)
	for {
		line, err := t.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == ".exit" {
			return nil
		}
		evalLine(rt, line, t, t)
	}
}

func evalLine(rt *jsbridge.Runtime, line string, out, errOut io.Writer) {
	if strings.TrimSpace(line) == "" {
		return
	}
	v, err := rt.EvalLabel(line, "<repl>")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return
	}
	fmt.Fprintln(out, format(v))
}

// format renders a decoded value for display.
func format(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = format(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + format(x[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *jsbridge.Function:
		return "[Function]"
	case *jsbridge.Array:
		return "[Array]"
	case *jsbridge.Object:
		return "[Object]"
	}
	return fmt.Sprint(v)
}
