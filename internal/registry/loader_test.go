package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, root, dir, name, body string) {
	t.Helper()
	p := filepath.Join(root, dir)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDiscover_FindsManifestsSortedBySlug(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "zeta", "plugin.json", `{"name":"Zeta","version":"1.0.0"}`)
	writeManifest(t, root, "alpha", "plugin.yaml", "slug: alpha\nname: Alpha\nversion: 0.2.0\n")
	writeManifest(t, root, "notes", "README.md", "no manifest here")
	if err := os.WriteFile(filepath.Join(root, "stray.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	found, bad, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(bad) != 0 {
		t.Fatalf("unexpected errors: %v", bad)
	}
	if len(found) != 2 || found[0].Slug != "alpha" || found[1].Slug != "zeta" {
		t.Fatalf("unexpected result: %+v", found)
	}
	if found[1].Manifest.Name != "Zeta" {
		t.Fatalf("manifest not parsed: %+v", found[1].Manifest)
	}
}

func TestDiscover_CollectsPerDirectoryErrors(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "good", "plugin.json", `{"name":"Good","version":"1.0.0"}`)
	writeManifest(t, root, "broken", "plugin.json", `{"name":`)
	writeManifest(t, root, "mismatch", "plugin.json", `{"slug":"other","name":"M","version":"1.0.0"}`)
	writeManifest(t, root, "Upper", "plugin.json", `{"name":"U","version":"1.0.0"}`)

	found, bad, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(found) != 1 || found[0].Slug != "good" {
		t.Fatalf("found = %+v", found)
	}
	if len(bad) != 3 {
		t.Fatalf("expected 3 dir errors, got %v", bad)
	}
}

func TestDiscover_MissingRoot(t *testing.T) {
	if _, _, err := Discover(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestDiscover_ExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	hTmp, err := os.MkdirTemp(home, "loginus-registry-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	writeManifest(t, hTmp, "hello", "plugin.json", `{"name":"Hello","version":"1.0.0"}`)

	found, _, err := Discover("~/" + filepath.Base(hTmp))
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(found) != 1 || found[0].Slug != "hello" {
		t.Fatalf("unexpected: %+v", found)
	}
}
