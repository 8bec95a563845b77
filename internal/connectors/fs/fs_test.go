package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
)

func mustWriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestReadFileWithinAllowlist(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, dir, "a.txt", "hello world")

	c := New(Config{AllowedPaths: []string{dir}, MaxFileSize: 1024})
	res, err := c.readFile(context.Background(), map[string]any{"path": filepath.Join(dir, "a.txt")})
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}
	m := res.(map[string]any)
	if m["content"] != "hello world" {
		t.Fatalf("content = %v, want %q", m["content"], "hello world")
	}
}

func TestReadFileOutsideAllowlistDenied(t *testing.T) {
	allowedDir := t.TempDir()
	outsideDir := t.TempDir()
	outside := mustWriteFile(t, outsideDir, "secret.txt", "nope")

	c := New(Config{AllowedPaths: []string{allowedDir}, MaxFileSize: 1024})
	_, err := c.readFile(context.Background(), map[string]any{"path": outside})
	if err == nil {
		t.Fatalf("expected denial for path outside allowlist")
	}
	ge := gatewayerr.As(err)
	if ge.Code != gatewayerr.SecurityError {
		t.Fatalf("Code = %v, want SecurityError", ge.Code)
	}
}

func TestReadFileDeniedPathWinsOverAllowed(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "private")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	secret := mustWriteFile(t, sub, "secret.txt", "nope")

	c := New(Config{AllowedPaths: []string{dir}, DeniedPaths: []string{sub}, MaxFileSize: 1024})
	_, err := c.readFile(context.Background(), map[string]any{"path": secret})
	if err == nil {
		t.Fatalf("expected denial: denied_paths should win over allowed_paths")
	}
}

func TestReadFileNoAllowedPathsConfiguredDeniesEverything(t *testing.T) {
	dir := t.TempDir()
	path := mustWriteFile(t, dir, "a.txt", "hi")

	c := New(Config{})
	_, err := c.readFile(context.Background(), map[string]any{"path": path})
	if err == nil {
		t.Fatalf("expected denial when no allowed_paths are configured")
	}
}

func TestReadFileMaxFileSizeEnforced(t *testing.T) {
	dir := t.TempDir()
	path := mustWriteFile(t, dir, "big.txt", "0123456789")

	c := New(Config{AllowedPaths: []string{dir}, MaxFileSize: 5})
	_, err := c.readFile(context.Background(), map[string]any{"path": path})
	if err == nil {
		t.Fatalf("expected denial for file exceeding max_file_size")
	}
	ge := gatewayerr.As(err)
	if ge.Code != gatewayerr.SecurityError {
		t.Fatalf("Code = %v, want SecurityError", ge.Code)
	}
}

func TestReadFileBase64Encoding(t *testing.T) {
	dir := t.TempDir()
	path := mustWriteFile(t, dir, "a.bin", "hello")

	c := New(Config{AllowedPaths: []string{dir}, MaxFileSize: 1024})
	res, err := c.readFile(context.Background(), map[string]any{"path": path, "encoding": "base64"})
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}
	m := res.(map[string]any)
	if m["content"] != "aGVsbG8=" {
		t.Fatalf("content = %v, want base64 of 'hello'", m["content"])
	}
}

func TestListDirNonRecursive(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, dir, "a.txt", "a")
	mustWriteFile(t, dir, "b.txt", "b")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	c := New(Config{AllowedPaths: []string{dir}})
	res, err := c.listDir(context.Background(), map[string]any{"path": dir})
	if err != nil {
		t.Fatalf("listDir: %v", err)
	}
	m := res.(map[string]any)
	if m["count"] != 3 {
		t.Fatalf("count = %v, want 3", m["count"])
	}
}

func TestListDirRecursiveRespectsMaxDepth(t *testing.T) {
	dir := t.TempDir()
	l1 := filepath.Join(dir, "l1")
	l2 := filepath.Join(l1, "l2")
	l3 := filepath.Join(l2, "l3")
	if err := os.MkdirAll(l3, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	mustWriteFile(t, l3, "deep.txt", "deep")

	c := New(Config{AllowedPaths: []string{dir}})
	res, err := c.listDir(context.Background(), map[string]any{
		"path": dir, "recursive": true, "max_depth": float64(1),
	})
	if err != nil {
		t.Fatalf("listDir: %v", err)
	}
	m := res.(map[string]any)
	entries := m["entries"].([]map[string]any)
	for _, e := range entries {
		if e["name"] == "deep.txt" {
			t.Fatalf("deep.txt should not appear when max_depth=1")
		}
	}
}

func TestIsWithinDoesNotMatchOnTextualPrefix(t *testing.T) {
	if isWithin("/allow/foo", "/all") {
		t.Fatalf("/allow/foo must not be considered within /all (segment-boundary test)")
	}
	if !isWithin("/allow/foo", "/allow") {
		t.Fatalf("/allow/foo should be within /allow")
	}
	if !isWithin("/allow", "/allow") {
		t.Fatalf("root itself should be within root")
	}
}

func TestEncodeUnknownEncodingErrors(t *testing.T) {
	if _, err := encode([]byte("x"), "latin1"); err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
}
