package main

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/model"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem("NS"),
	readline.PcItem("GET"),
	readline.PcItem("SET"),
	readline.PcItem("SETINT",
		readline.PcItem("u8"), readline.PcItem("i8"),
		readline.PcItem("u16"), readline.PcItem("i16"),
		readline.PcItem("u32"), readline.PcItem("i32"),
		readline.PcItem("u64"), readline.PcItem("i64"),
	),
	readline.PcItem("SETBLOB"),
	readline.PcItem("ERASE"),
	readline.PcItem("EXISTS"),
	readline.PcItem("LIST"),
	readline.PcItem("STATS"),
	readline.PcItem("GC"),
	readline.PcItem("COMMIT"),
)

const helpText = `
nvsh - interactive shell for an nvstore region

Commands:
  .help                   - Show this help message
  .exit                   - Exit the shell

  NS name                 - Switch the current namespace
  GET key                 - Print the value of key
  SET key value...        - Store a string value
  SETINT key type value   - Store an integer (type is u8..u64 or i8..i64)
  SETBLOB key hex         - Store a blob given as hex
  ERASE key               - Remove key
  EXISTS key              - Report whether key is present
  LIST [*]                - List keys of the namespace, or of all with *
  STATS                   - Show slot and page usage
  GC                      - Run one garbage collection pass
  COMMIT                  - Flush writes to the region
`

// shell executes one command line at a time against a backend
type shell struct {
	b  backend
	ns string
}

func newShell(b backend, ns string) *shell {
	return &shell{b: b, ns: ns}
}

func (s *shell) prompt() string {
	return fmt.Sprintf("nvs:%s> ", s.ns)
}

// exec runs line and reports whether the shell should exit
func (s *shell) exec(ctx context.Context, line string, out io.Writer) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToUpper(parts[0])
	args := parts[1:]

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(out, helpText)
		case ".exit", ".quit":
			return true
		default:
			fmt.Fprintf(out, "Unknown command: %s\n", parts[0])
		}
		return false
	}

	if err := s.run(ctx, cmd, args, out); err != nil {
		fmt.Fprintf(out, "Error: %s\n", err)
	}
	return false
}

func (s *shell) run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	need := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}

	switch cmd {
	case "NS":
		if err := need(1, "NS name"); err != nil {
			return err
		}
		s.ns = args[0]
		fmt.Fprintf(out, "Namespace %s\n", s.ns)

	case "GET":
		if err := need(1, "GET key"); err != nil {
			return err
		}
		v, err := s.b.Get(ctx, s.ns, args[0])
		if stderrors.Is(err, errors.ErrNotFound) {
			fmt.Fprintln(out, "Key not found")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%s)\n", formatValue(v), v.Type)

	case "SET":
		if err := need(2, "SET key value"); err != nil {
			return err
		}
		if err := s.b.Set(ctx, s.ns, args[0], model.StringValue(strings.Join(args[1:], " "))); err != nil {
			return err
		}
		fmt.Fprintln(out, "Value stored")

	case "SETINT":
		if err := need(3, "SETINT key type value"); err != nil {
			return err
		}
		v, err := parseInt(args[1], args[2])
		if err != nil {
			return err
		}
		if err := s.b.Set(ctx, s.ns, args[0], v); err != nil {
			return err
		}
		fmt.Fprintln(out, "Value stored")

	case "SETBLOB":
		if err := need(2, "SETBLOB key hex"); err != nil {
			return err
		}
		data, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("invalid hex: %w", err)
		}
		if err := s.b.Set(ctx, s.ns, args[0], model.BlobValue(data)); err != nil {
			return err
		}
		fmt.Fprintln(out, "Value stored")

	case "ERASE":
		if err := need(1, "ERASE key"); err != nil {
			return err
		}
		err := s.b.Erase(ctx, s.ns, args[0])
		if stderrors.Is(err, errors.ErrNotFound) {
			fmt.Fprintln(out, "Key not found")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Key erased")

	case "EXISTS":
		if err := need(1, "EXISTS key"); err != nil {
			return err
		}
		ok, err := s.b.Exists(ctx, s.ns, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, ok)

	case "LIST":
		ns := s.ns
		if len(args) > 0 && args[0] == "*" {
			ns = ""
		}
		entries, err := s.b.List(ctx, ns)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s:%s %s %d\n", e.Namespace, e.Key, e.Type, e.Size)
		}
		fmt.Fprintf(out, "%d entries\n", len(entries))

	case "STATS":
		st, err := s.b.Stats(ctx)
		if err != nil {
			return err
		}
		printStats(out, st)

	case "GC":
		res, err := s.b.Compact(ctx)
		if err != nil {
			return err
		}
		if res.VictimPage < 0 {
			fmt.Fprintln(out, "Nothing to collect")
			return nil
		}
		fmt.Fprintf(out, "Collected page %d into page %d: %d relocated, %d slots reclaimed\n",
			res.VictimPage, res.TargetPage, res.Relocated, res.Reclaimed)

	case "COMMIT":
		if err := s.b.Commit(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Committed")

	default:
		return fmt.Errorf("unknown command %s, try .help", cmd)
	}
	return nil
}

func parseInt(typeName, text string) (model.Value, error) {
	t, ok := model.ParseValueType(strings.ToLower(typeName))
	if !ok || !t.IsInteger() {
		return model.Value{}, fmt.Errorf("invalid integer type %q", typeName)
	}
	if t.IsSigned() {
		n, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return model.Value{}, fmt.Errorf("invalid integer %q: %w", text, err)
		}
		return model.IntValue(t, n)
	}
	n, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return model.Value{}, fmt.Errorf("invalid integer %q: %w", text, err)
	}
	return model.UintValue(t, n)
}

func formatValue(v model.Value) string {
	switch {
	case v.Type == model.TypeString:
		return strconv.Quote(v.AsString())
	case v.Type.IsSigned():
		return strconv.FormatInt(v.AsInt(), 10)
	case v.Type.IsInteger():
		return strconv.FormatUint(v.AsUint(), 10)
	default:
		return hex.EncodeToString(v.Data)
	}
}

func printStats(out io.Writer, st model.Stats) {
	fmt.Fprintf(out, "Keys: %d in %d namespaces\n", st.KeyCount, st.NamespaceCount)
	fmt.Fprintf(out, "Slots: %d used, %d free, %d erased, %d total\n",
		st.UsedSlots, st.FreeSlots, st.ErasedSlots, st.TotalSlots)
	states := make([]string, 0, len(st.PagesByState))
	for state := range st.PagesByState {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintf(out, "Pages %s: %d\n", state, st.PagesByState[state])
	}
	fmt.Fprintf(out, "Erase counts: %d..%d\n", st.MinEraseCount, st.MaxEraseCount)
}
