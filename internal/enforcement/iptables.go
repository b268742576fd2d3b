package enforcement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// ruleSpec is one iptables rule: the chain it lives in followed by its match
// and target arguments, exactly as passed after -A/-C/-D.
type ruleSpec []string

func (r ruleSpec) chain() string { return r[0] }

// ruleSet is everything installed for one workload.
type ruleSet struct {
	Chain string     `json:"chain"`
	Jump  ruleSpec   `json:"jump"`
	Rules []ruleSpec `json:"rules"`
}

// chainFor derives a stable chain name from the workload identity.
func chainFor(workload string) string {
	sum := sha256.Sum256([]byte(workload))
	return ChainPrefix + strings.ToUpper(hex.EncodeToString(sum[:4]))
}

// buildRuleSet allows replies, the proxy and DNS, and drops the rest.
func buildRuleSet(parent, chain, ip, proxyAddr string, proxyPort, dnsPort int) ruleSet {
	proxy := ruleSpec{chain, "-p", "tcp"}
	if proxyAddr != "" {
		proxy = append(proxy, "-d", proxyAddr)
	}
	proxy = append(proxy, "--dport", strconv.Itoa(proxyPort), "-j", "ACCEPT")
	dns := strconv.Itoa(dnsPort)

	return ruleSet{
		Chain: chain,
		Jump:  ruleSpec{parent, "-s", ip, "-j", chain},
		Rules: []ruleSpec{
			{chain, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
			proxy,
			{chain, "-p", "udp", "--dport", dns, "-j", "ACCEPT"},
			{chain, "-p", "tcp", "--dport", dns, "-j", "ACCEPT"},
			{chain, "-j", "DROP"},
		},
	}
}

type iptables struct {
	run Runner
}

func (t iptables) chainExists(ctx context.Context, chain string) bool {
	_, err := t.run.Run(ctx, "-S", chain)
	return err == nil
}

func (t iptables) ruleExists(ctx context.Context, r ruleSpec) bool {
	_, err := t.run.Run(ctx, append([]string{"-C"}, r...)...)
	return err == nil
}

// ensureChain creates chain if needed and empties it so rules are laid down
// in order.
func (t iptables) ensureChain(ctx context.Context, chain string) error {
	if !t.chainExists(ctx, chain) {
		if _, err := t.run.Run(ctx, "-N", chain); err != nil {
			return err
		}
		return nil
	}
	_, err := t.run.Run(ctx, "-F", chain)
	return err
}

func (t iptables) appendRule(ctx context.Context, r ruleSpec) error {
	if t.ruleExists(ctx, r) {
		return nil
	}
	_, err := t.run.Run(ctx, append([]string{"-A"}, r...)...)
	return err
}

// insertRule puts r at the head of its chain.
func (t iptables) insertRule(ctx context.Context, r ruleSpec) error {
	if t.ruleExists(ctx, r) {
		return nil
	}
	args := append([]string{"-I", r.chain(), "1"}, r[1:]...)
	_, err := t.run.Run(ctx, args...)
	return err
}

func (t iptables) deleteRule(ctx context.Context, r ruleSpec) error {
	if !t.ruleExists(ctx, r) {
		return nil
	}
	_, err := t.run.Run(ctx, append([]string{"-D"}, r...)...)
	return err
}

func (t iptables) deleteChain(ctx context.Context, chain string) error {
	if !t.chainExists(ctx, chain) {
		return nil
	}
	if _, err := t.run.Run(ctx, "-F", chain); err != nil {
		return err
	}
	_, err := t.run.Run(ctx, "-X", chain)
	return err
}

func (t iptables) install(ctx context.Context, rs ruleSet) error {
	if err := t.ensureChain(ctx, rs.Chain); err != nil {
		return err
	}
	for _, r := range rs.Rules {
		if err := t.appendRule(ctx, r); err != nil {
			return err
		}
	}
	return t.insertRule(ctx, rs.Jump)
}

// repair re-checks a live rule set without flushing it. Missing rules are
// inserted at their position so packets keep hitting the chain's DROP while
// it is mended.
func (t iptables) repair(ctx context.Context, rs ruleSet) error {
	if !t.chainExists(ctx, rs.Chain) {
		if _, err := t.run.Run(ctx, "-N", rs.Chain); err != nil {
			return err
		}
	}
	for i, r := range rs.Rules {
		if t.ruleExists(ctx, r) {
			continue
		}
		args := append([]string{"-I", rs.Chain, strconv.Itoa(i + 1)}, r[1:]...)
		if _, err := t.run.Run(ctx, args...); err != nil {
			return err
		}
	}
	return t.insertRule(ctx, rs.Jump)
}

// remove undoes install. The jump goes first so no packet reaches a
// half-emptied chain.
func (t iptables) remove(ctx context.Context, rs ruleSet) error {
	if err := t.deleteRule(ctx, rs.Jump); err != nil {
		return err
	}
	return t.deleteChain(ctx, rs.Chain)
}

// ownedChains lists every chain in the filter table carrying ChainPrefix.
func (t iptables) ownedChains(ctx context.Context) ([]string, error) {
	out, err := t.run.Run(ctx, "-S")
	if err != nil {
		return nil, err
	}
	var chains []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "-N" && strings.HasPrefix(fields[1], ChainPrefix) {
			chains = append(chains, fields[1])
		}
	}
	return chains, nil
}

// jumpsTo returns the rules in parent that jump to chain.
func (t iptables) jumpsTo(ctx context.Context, parent, chain string) ([]ruleSpec, error) {
	out, err := t.run.Run(ctx, "-S", parent)
	if err != nil {
		return nil, err
	}
	var jumps []ruleSpec
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] != "-A" || fields[1] != parent {
			continue
		}
		if fields[len(fields)-2] == "-j" && fields[len(fields)-1] == chain {
			jumps = append(jumps, ruleSpec(fields[1:]))
		}
	}
	return jumps, nil
}
