package docs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestListDocs(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "b.adoc", "= B\n")
	writeDoc(t, dir, "a.adoc", "= A\n")
	writeDoc(t, dir, "notes.txt", "ignored")

	docs, err := NewService(dir).ListDocs()
	if err != nil {
		t.Fatalf("ListDocs: %v", err)
	}
	if strings.Join(docs, ",") != "a.adoc,b.adoc" {
		t.Fatalf("unexpected docs: %v", docs)
	}

	missing, err := NewService(filepath.Join(dir, "missing")).ListDocs()
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing dir should list nothing, got %v, %v", missing, err)
	}
}

func TestGetDocRendersAndRefreshes(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "api.adoc", "== Users\n\nList every user.\n")
	svc := NewService(dir)

	html, err := svc.GetDoc(context.Background(), "api.adoc")
	if err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	if !strings.Contains(html, "List every user.") {
		t.Fatalf("rendered html missing content: %s", html)
	}

	writeDoc(t, dir, "api.adoc", "== Users\n\nUpdated text.\n")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(filepath.Join(dir, "api.adoc"), later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	html, err = svc.GetDoc(context.Background(), "api.adoc")
	if err != nil {
		t.Fatalf("GetDoc after change: %v", err)
	}
	if !strings.Contains(html, "Updated text.") {
		t.Fatalf("cache not refreshed: %s", html)
	}
}

func TestGetDocRejectsUnknownNames(t *testing.T) {
	svc := NewService(t.TempDir())
	for _, name := range []string{"missing.adoc", "../secret.adoc", "api.txt"} {
		if _, err := svc.GetDoc(context.Background(), name); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetDoc(%q) = %v, want ErrNotFound", name, err)
		}
	}
}
