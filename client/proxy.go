package client

import (
	"context"
	"strings"
)

// Proxy stands for a remote automation object. Attribute hops are resolved locally;
// only the final Get, Set or Call goes over the wire.
type Proxy struct {
	c    *Client
	path []string
}

// Object returns a proxy for the object at path. Elements may themselves be dotted.
// With no arguments it stands for the root object.
func (c *Client) Object(path ...string) *Proxy {
	return &Proxy{c: c, path: splitAll(path)}
}

// Attr returns a proxy for a sub-object of p.
func (p *Proxy) Attr(name string) *Proxy {
	path := make([]string, 0, len(p.path)+1)
	path = append(path, p.path...)
	return &Proxy{c: p.c, path: append(path, splitPath(name)...)}
}

// Path returns the dotted path of the object.
func (p *Proxy) Path() string {
	return strings.Join(p.path, ".")
}

// Get reads property name of the object.
func (p *Proxy) Get(ctx context.Context, name string, reply any) error {
	return p.c.Get(ctx, p.member(name), reply)
}

// Set writes property name of the object.
func (p *Proxy) Set(ctx context.Context, name string, value any) error {
	return p.c.Set(ctx, p.member(name), value)
}

// Call invokes method name of the object.
func (p *Proxy) Call(ctx context.Context, name string, reply any, args ...any) error {
	return p.c.Call(ctx, p.member(name), reply, args...)
}

func (p *Proxy) member(name string) string {
	if len(p.path) == 0 {
		return name
	}
	return p.Path() + "." + name
}

func splitAll(parts []string) []string {
	var path []string
	for _, p := range parts {
		path = append(path, splitPath(p)...)
	}
	return path
}
