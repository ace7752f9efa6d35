package main

import (
	"os"
	"path/filepath"
	"testing"

	"flywheel/boot"
)

func TestLoadConfigOverrides(t *testing.T) {
	l, target, version, err := loadConfig(filepath.Join("testdata", "image.toml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if version != "1.4.0" {
		t.Errorf("version %q, want 1.4.0", version)
	}
	if target != boot.Long64 {
		t.Errorf("target %v, want long64", target)
	}
	if l.KernelSectors != 120 {
		t.Errorf("kernel sectors %d, want the override 120", l.KernelSectors)
	}
	if l.HeapSize != 131072 {
		t.Errorf("heap size %d, want the override 131072", l.HeapSize)
	}
	// Untouched fields keep their stock values.
	def := boot.DefaultLayout()
	if l.Stage2LoadAddr != def.Stage2LoadAddr {
		t.Errorf("stage2 load %#x, want the default %#x", l.Stage2LoadAddr, def.Stage2LoadAddr)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaultsProtectedHeap(t *testing.T) {
	path := writeConfig(t, "target = \"protected32\"\n")
	l, target, _, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if target != boot.Protected32 {
		t.Errorf("target %v", target)
	}
	if l.HeapStart != 0x20_0000 {
		t.Errorf("heap start %#x, want the physical fallback 0x200000", l.HeapStart)
	}
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"bad version": "version = \"not-a-version\"\n",
		"bad target":  "target = \"real16\"\n",
		"bad layout":  "[layout]\nheap-size = 100\n",
	}
	for name, body := range cases {
		if _, _, _, err := loadConfig(writeConfig(t, body)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}
