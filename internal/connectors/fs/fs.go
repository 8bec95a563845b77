// Package fs implements the filesystem safety connector: path
// confinement, size gating, and a depth-capped directory walk (§4.5).
package fs

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
	"github.com/agentguard/mcp-gateway/internal/registry"
	"github.com/agentguard/mcp-gateway/internal/schema"
)

// Config is the connector's static configuration, sourced from the
// filesystem section of the gateway config.
type Config struct {
	AllowedPaths []string
	DeniedPaths  []string
	MaxFileSize  int64
}

// Connector holds canonicalized allow/deny roots and exposes the two
// fs.* tools for registration.
type Connector struct {
	cfg          Config
	allowedRoots []string
	deniedRoots  []string
}

// New canonicalizes the configured roots once at startup.
func New(cfg Config) *Connector {
	c := &Connector{cfg: cfg}
	for _, p := range cfg.AllowedPaths {
		if canon, err := canonicalize(p); err == nil {
			c.allowedRoots = append(c.allowedRoots, canon)
		}
	}
	for _, p := range cfg.DeniedPaths {
		if canon, err := canonicalize(p); err == nil {
			c.deniedRoots = append(c.deniedRoots, canon)
		}
	}
	return c
}

// Tools returns fs.readFile and fs.listDir for registration.
func (c *Connector) Tools() []*registry.Tool {
	return []*registry.Tool{c.readFileTool(), c.listDirTool()}
}

func (c *Connector) readFileTool() *registry.Tool {
	s := schema.New().
		Field("path", &schema.Field{Kind: schema.KindString}).
		Field("encoding", &schema.Field{Kind: schema.KindEnum, Options: []string{"utf-8", "utf8", "base64", "hex"}},
			schema.Optional, schema.WithDefault("utf-8"))

	return &registry.Tool{
		Name:        "fs.readFile",
		Description: "Read a file within the configured allowlist and return its contents.",
		InputSchema: s,
		Handler:     c.readFile,
	}
}

func (c *Connector) listDirTool() *registry.Tool {
	s := schema.New().
		Field("path", &schema.Field{Kind: schema.KindString}).
		Field("recursive", &schema.Field{Kind: schema.KindBoolean}, schema.Optional, schema.WithDefault(false)).
		Field("max_depth", &schema.Field{Kind: schema.KindNumber, Min: 1, Max: 10, HasMin: true, HasMax: true, IsInteger: true},
			schema.Optional, schema.WithDefault(float64(3)))

	return &registry.Tool{
		Name:        "fs.listDir",
		Description: "List a directory's entries, optionally recursing up to max_depth.",
		InputSchema: s,
		Handler:     c.listDir,
	}
}

// confine resolves raw to a canonical path and applies the allow/deny
// confinement algorithm from §4.5. It returns security_error on any
// violation.
func (c *Connector) confine(raw string) (string, error) {
	canon, err := canonicalize(raw)
	if err != nil {
		return "", gatewayerr.New(gatewayerr.ConnectorError, fmt.Sprintf("cannot resolve path: %v", err))
	}

	for _, denied := range c.deniedRoots {
		if isWithin(canon, denied) {
			return "", gatewayerr.New(gatewayerr.SecurityError, "path is within a denied location")
		}
	}

	if len(c.allowedRoots) == 0 {
		return "", gatewayerr.New(gatewayerr.SecurityError, "no allowed_paths configured")
	}

	for _, allowed := range c.allowedRoots {
		if isWithin(canon, allowed) {
			return canon, nil
		}
	}
	return "", gatewayerr.New(gatewayerr.SecurityError, "path is outside allowed_paths")
}

func (c *Connector) readFile(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := args["path"].(string)
	encoding, _ := args["encoding"].(string)
	if encoding == "" {
		encoding = "utf-8"
	}

	path, err := c.confine(raw)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "stat failed", err)
	}
	if !info.Mode().IsRegular() {
		return nil, gatewayerr.New(gatewayerr.ConnectorError, "not a regular file")
	}
	if c.cfg.MaxFileSize > 0 && info.Size() > c.cfg.MaxFileSize {
		return nil, gatewayerr.New(gatewayerr.SecurityError, "file exceeds max_file_size")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "read failed", err)
	}

	content, err := encode(data, encoding)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ValidationError, "unsupported encoding", err)
	}

	return map[string]any{
		"path":     path,
		"content":  content,
		"size":     len(data),
		"encoding": encoding,
	}, nil
}

func (c *Connector) listDir(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := args["path"].(string)
	recursive, _ := args["recursive"].(bool)
	maxDepth := 3
	if md, ok := args["max_depth"].(float64); ok {
		maxDepth = int(md)
	}

	path, err := c.confine(raw)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "stat failed", err)
	}
	if !info.IsDir() {
		return nil, gatewayerr.New(gatewayerr.ConnectorError, "not a directory")
	}

	entries, err := c.walk(path, recursive, maxDepth, 1)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"path":    path,
		"entries": entries,
		"count":   len(entries),
	}, nil
}

// walk enumerates path's children, re-confining each before inclusion.
// Children that escape the allowlist via symlink resolution are silently
// skipped rather than surfaced as errors (§4.5).
func (c *Connector) walk(path string, recursive bool, maxDepth, depth int) ([]map[string]any, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "readdir failed", err)
	}

	var out []map[string]any
	for _, de := range dirEntries {
		childPath := filepath.Join(path, de.Name())
		confined, err := c.confine(childPath)
		if err != nil {
			continue
		}

		info, err := os.Lstat(confined)
		if err != nil {
			continue
		}

		entryType := "file"
		if info.IsDir() {
			entryType = "directory"
		} else if info.Mode()&os.ModeSymlink != 0 {
			entryType = "symlink"
		}

		entry := map[string]any{
			"name": de.Name(),
			"path": confined,
			"type": entryType,
		}
		if !info.IsDir() {
			entry["size"] = info.Size()
		}
		out = append(out, entry)

		if recursive && info.IsDir() && depth < maxDepth {
			children, err := c.walk(confined, recursive, maxDepth, depth+1)
			if err == nil {
				out = append(out, children...)
			}
		}
	}
	return out, nil
}

// canonicalize resolves raw to an absolute, symlink-free path. This is the
// single normalization point that all confinement checks build on.
func canonicalize(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty path")
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", err
	}
	// EvalSymlinks requires the path to exist; fall back to the absolute,
	// cleaned path for not-yet-existent targets so stat/confine can still
	// report a precise connector_error downstream.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return filepath.Clean(abs), nil
	}
	return resolved, nil
}

// isWithin reports whether candidate is root itself or a descendant of
// root, using path-segment boundaries rather than a textual prefix test
// (so /allow/foo is not mistaken for a descendant of /all).
func isWithin(candidate, root string) bool {
	if candidate == root {
		return true
	}
	sep := string(os.PathSeparator)
	prefix := strings.TrimSuffix(root, sep) + sep
	return strings.HasPrefix(candidate, prefix)
}

func encode(data []byte, encoding string) (string, error) {
	switch encoding {
	case "utf-8", "utf8":
		return string(data), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(data), nil
	case "hex":
		return hex.EncodeToString(data), nil
	default:
		return "", fmt.Errorf("unknown encoding %q", encoding)
	}
}
