// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"fmt"
	"net"
	"strings"
)

// FirewallName is the registered name of the firewall filter.
const FirewallName = "firewall"

// ReasonFirewallDeny is the drop reason recorded for denied packets.
const ReasonFirewallDeny = "firewall_deny"

type firewallConfig struct {
	OnRead  []firewallRule `yaml:"on_read"`
	OnWrite []firewallRule `yaml:"on_write"`
}

type firewallRule struct {
	Action  string   `yaml:"action"`  // allow or deny
	Sources []string `yaml:"sources"` // CIDR notation
}

type compiledRule struct {
	allow bool
	nets  []*net.IPNet
}

// firewall evaluates ordered allow/deny CIDR rules against the packet source,
// with an independent rule set per direction. The first matching rule
// decides; once a direction has rules configured, a source matching none of
// them is denied. A direction with no rules passes everything.
type firewall struct {
	onRead  []compiledRule
	onWrite []compiledRule
}

func newFirewall(config map[string]any) (Filter, error) {
	var cfg firewallConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	onRead, err := compileFirewallRules(cfg.OnRead)
	if err != nil {
		return nil, err
	}
	onWrite, err := compileFirewallRules(cfg.OnWrite)
	if err != nil {
		return nil, err
	}
	return &firewall{onRead: onRead, onWrite: onWrite}, nil
}

func compileFirewallRules(rules []firewallRule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		var allow bool
		switch strings.ToLower(rule.Action) {
		case "allow":
			allow = true
		case "deny":
			allow = false
		default:
			return nil, fmt.Errorf("unknown firewall action %q", rule.Action)
		}

		cr := compiledRule{allow: allow}
		for _, src := range rule.Sources {
			_, ipnet, err := net.ParseCIDR(src)
			if err != nil {
				return nil, fmt.Errorf("invalid firewall source %q: %v", src, err)
			}
			cr.nets = append(cr.nets, ipnet)
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

func (f *firewall) Name() string { return FirewallName }

func (f *firewall) OnRead(pc *Context) error {
	return evalFirewallRules(f.onRead, pc.Source.IP)
}

// OnWrite evaluates the write-leg rules against the reply's source, which is
// the upstream endpoint address.
func (f *firewall) OnWrite(pc *Context) error {
	return evalFirewallRules(f.onWrite, pc.Source.IP)
}

func evalFirewallRules(rules []compiledRule, ip net.IP) error {
	if len(rules) == 0 {
		return nil
	}

	for _, rule := range rules {
		for _, ipnet := range rule.nets {
			if ipnet.Contains(ip) {
				if rule.allow {
					return nil
				}
				return Drop(ReasonFirewallDeny)
			}
		}
	}
	// Rules configured but none matched: default deny.
	return Drop(ReasonFirewallDeny)
}
