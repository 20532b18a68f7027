// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"github.com/FrankXu7/quilkin/pkg/errors"
)

// Chain is an ordered, immutable sequence of configured filters. It is built
// wholesale from a chain definition on every config update and never mutated
// in place, so packets processing concurrently with an update always see one
// complete chain.
type Chain struct {
	filters []Filter
	specs   []Spec
}

// NewChain builds a chain from already-constructed filters. Most callers use
// BuildChain instead.
func NewChain(f ...Filter) *Chain {
	return &Chain{filters: f}
}

// BuildChain constructs every filter named in the specs via the registry.
// An unknown filter name or an invalid filter config fails the whole build;
// a half-built chain is never returned.
func BuildChain(specs []Spec) (*Chain, error) {
	built := make([]Filter, 0, len(specs))
	for _, spec := range specs {
		f, err := build(spec)
		if err != nil {
			return nil, err
		}
		built = append(built, f)
	}
	return &Chain{filters: built, specs: specs}, nil
}

// Len returns the number of filters in the chain.
func (c *Chain) Len() int {
	return len(c.filters)
}

// Filters returns the chain's filters in configured order.
func (c *Chain) Filters() []Filter {
	return c.filters
}

// Specs returns the chain definition the chain was built from.
func (c *Chain) Specs() []Spec {
	return c.specs
}

// Read executes the chain in configured order for a packet flowing toward an
// upstream endpoint. A DropError from any filter terminates the chain and is
// returned as-is; any other filter error terminates the chain wrapped with
// the failing filter's name.
func (c *Chain) Read(pc *Context) error {
	for _, f := range c.filters {
		if err := f.OnRead(pc); err != nil {
			return wrapFilterErr("read", f, pc, err)
		}
	}
	return nil
}

// Write executes the chain in reverse order for a reply packet flowing back
// toward the downstream client.
func (c *Chain) Write(pc *Context) error {
	for i := len(c.filters) - 1; i >= 0; i-- {
		if err := c.filters[i].OnWrite(pc); err != nil {
			return wrapFilterErr("write", c.filters[i], pc, err)
		}
	}
	return nil
}

func wrapFilterErr(op string, f Filter, pc *Context, err error) error {
	if _, ok := err.(*DropError); ok {
		// Drops are telemetry, not failures; surface them unwrapped.
		return err
	}
	remote := ""
	if pc.Source != nil {
		remote = pc.Source.String()
	}
	return errors.New(op, f.Name(), "", remote, err)
}
