package enforcement

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// fakeIPTables keeps a filter table in memory and answers the subset of the
// iptables CLI the manager uses.
type fakeIPTables struct {
	mu      sync.Mutex
	builtin map[string]bool
	chains  map[string][][]string
	calls   [][]string
	failOn  string
}

func newFakeIPTables() *fakeIPTables {
	return &fakeIPTables{
		builtin: map[string]bool{"INPUT": true, "FORWARD": true, "OUTPUT": true, "DOCKER-USER": true},
		chains: map[string][][]string{
			"INPUT":       nil,
			"FORWARD":     {{"-j", "DOCKER-USER"}},
			"OUTPUT":      nil,
			"DOCKER-USER": {{"-j", "RETURN"}},
		},
	}
}

func (f *fakeIPTables) fail(format string, args ...interface{}) (string, error) {
	msg := fmt.Sprintf(format, args...)
	return msg, &CommandError{Output: msg, ExitCode: 1}
}

func (f *fakeIPTables) Run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), args...))
	if len(args) == 0 {
		return f.fail("no command")
	}
	if f.failOn != "" && args[0] == f.failOn {
		return f.fail("injected failure")
	}

	op := args[0]
	if op == "-S" && len(args) == 1 {
		return f.dump(), nil
	}
	if len(args) < 2 {
		return f.fail("missing chain")
	}
	chain, rest := args[1], args[2:]
	rules, exists := f.chains[chain]

	switch op {
	case "-S":
		if !exists {
			return f.fail("No chain/target/match by that name.")
		}
		return f.dumpChain(chain), nil
	case "-N":
		if exists {
			return f.fail("Chain already exists.")
		}
		f.chains[chain] = nil
	case "-F":
		if !exists {
			return f.fail("No chain/target/match by that name.")
		}
		f.chains[chain] = nil
	case "-X":
		if !exists || f.builtin[chain] {
			return f.fail("No chain/target/match by that name.")
		}
		if len(rules) > 0 || f.referenced(chain) {
			return f.fail("Directory not empty.")
		}
		delete(f.chains, chain)
	case "-A":
		if !exists {
			return f.fail("No chain/target/match by that name.")
		}
		f.chains[chain] = append(rules, rest)
	case "-I":
		if !exists || len(rest) < 1 {
			return f.fail("bad insert")
		}
		pos, err := strconv.Atoi(rest[0])
		if err != nil || pos < 1 || pos > len(rules)+1 {
			return f.fail("Index of insertion too big.")
		}
		next := append([][]string(nil), rules[:pos-1]...)
		next = append(next, rest[1:])
		f.chains[chain] = append(next, rules[pos-1:]...)
	case "-C":
		if !exists || indexOf(rules, rest) < 0 {
			return f.fail("Bad rule (does a matching rule exist in that chain?).")
		}
	case "-D":
		i := indexOf(rules, rest)
		if !exists || i < 0 {
			return f.fail("Bad rule (does a matching rule exist in that chain?).")
		}
		f.chains[chain] = append(rules[:i:i], rules[i+1:]...)
	default:
		return f.fail("unsupported %s", op)
	}
	return "", nil
}

func (f *fakeIPTables) referenced(chain string) bool {
	for _, rules := range f.chains {
		for _, r := range rules {
			if len(r) >= 2 && r[len(r)-2] == "-j" && r[len(r)-1] == chain {
				return true
			}
		}
	}
	return false
}

func (f *fakeIPTables) dumpChain(chain string) string {
	var b strings.Builder
	if f.builtin[chain] {
		fmt.Fprintf(&b, "-P %s ACCEPT\n", chain)
	} else {
		fmt.Fprintf(&b, "-N %s\n", chain)
	}
	for _, r := range f.chains[chain] {
		fmt.Fprintf(&b, "-A %s %s\n", chain, strings.Join(r, " "))
	}
	return b.String()
}

func (f *fakeIPTables) dump() string {
	names := make([]string, 0, len(f.chains))
	for name := range f.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		if !f.builtin[name] {
			fmt.Fprintf(&b, "-N %s\n", name)
		}
	}
	for _, name := range names {
		for _, r := range f.chains[name] {
			fmt.Fprintf(&b, "-A %s %s\n", name, strings.Join(r, " "))
		}
	}
	return b.String()
}

// Snapshot returns the whole table in a comparable form.
func (f *fakeIPTables) Snapshot() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dump()
}

func (f *fakeIPTables) Rules(chain string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.chains[chain]...)
}

// Calls returns every command run so far.
func (f *fakeIPTables) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func (f *fakeIPTables) HasChain(chain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chains[chain]
	return ok
}

func indexOf(rules [][]string, want []string) int {
	for i, r := range rules {
		if strings.Join(r, "\x00") == strings.Join(want, "\x00") {
			return i
		}
	}
	return -1
}
