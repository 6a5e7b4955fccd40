package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"0", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("CORPUS_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("CORPUS_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("CORPUS_TEST_DURATION", "90s")
	if got := ParseDurationEnv("CORPUS_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Errorf("ParseDurationEnv = %v, want 90s", got)
	}
	t.Setenv("CORPUS_TEST_DURATION", "soon")
	if got := ParseDurationEnv("CORPUS_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("invalid value gave %v, want default", got)
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" 123, ,456,")
	if len(got) != 2 || got[0] != "123" || got[1] != "456" {
		t.Errorf("SplitList = %v, want [123 456]", got)
	}
	if SplitList("") != nil {
		t.Error("empty input should give nil")
	}
}

func TestImageExt(t *testing.T) {
	tests := map[string]string{
		"image/jpeg":                ".jpg",
		"image/png; charset=binary": ".png",
		"application/x-unknown-foo": ".img",
	}
	for in, want := range tests {
		if got := ImageExt(in); got != want {
			t.Errorf("ImageExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSaveImage(t *testing.T) {
	dir := t.TempDir()
	a, err := SaveImage(dir, []byte("one"), ".png")
	if err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}
	b, err := SaveImage(dir, []byte("two"), ".png")
	if err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}
	if a == b {
		t.Error("two images got the same path")
	}
	if filepath.Dir(a) != dir || !strings.HasSuffix(a, ".png") {
		t.Errorf("unexpected path %s", a)
	}
	if data, _ := os.ReadFile(a); string(data) != "one" {
		t.Errorf("file content = %q", data)
	}
	if _, err := SaveImage(dir, nil, ".png"); err == nil {
		t.Error("expected error for empty data")
	}
}

func TestSaveImageAsKeepsExistingFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "media")
	path, err := SaveImageAs(dir, "abc.png", []byte("first"))
	if err != nil {
		t.Fatalf("SaveImageAs failed: %v", err)
	}
	again, err := SaveImageAs(dir, "../abc.png", []byte("second"))
	if err != nil {
		t.Fatalf("second SaveImageAs failed: %v", err)
	}
	if again != path {
		t.Errorf("expected same path, got %s and %s", path, again)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "first" {
		t.Errorf("existing file was overwritten: %q", data)
	}
}
