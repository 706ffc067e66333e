package analyzer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "mod.zip")
	f, err := os.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for path, content := range files {
		w, err := zw.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestInspect(t *testing.T) {
	file := writeZip(t, map[string]string{
		"GameData/CoolMod/Plugins/CoolMod.dll":  "MZ",
		"GameData/CoolMod/Plugins/CoolMod.pdb":  "",
		"GameData/CoolMod/Parts/Tank/tank.cfg":  "PART\n{\n\tname = tank\n}\n",
		"GameData/CoolMod/Patches/stock.cfg":    "@PART[mk1pod]:NEEDS[CoolMod]\n{\n}\n",
		"GameData/CoolMod/Contracts/rescue.cfg": "CONTRACT_TYPE\n{\n}\n",
		"GameData/CoolMod/CoolMod.version":      "{}",
		"GameData/CoolMod/Flags/cool.png":       "",
		"GameData/CoolMod/Thumbs.db":            "",
		"README.md":                             "read me",
	})

	got, err := Inspect(file, "CoolMod", "GameData")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	want := &Props{
		Vref:         AVCVref,
		Tags:         []string{"career", "config", "flags", "parts", "plugin"},
		Depends:      []Depend{{Name: "ContractConfigurator"}, {Name: "ModuleManager"}},
		Install:      []Install{{Find: "CoolMod", InstallTo: "GameData"}},
		Filter:       []string{"Thumbs.db"},
		FilterRegexp: []string{`\.pdb$`},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("props mismatch (-want +got):\n%s", diff)
	}
}

func TestInspectPlainConfig(t *testing.T) {
	file := writeZip(t, map[string]string{
		"Other/Parts/part.cfg": "PART\n{\n\tMODULE\n\t{\n\t\tname = ModuleB9PartSwitch\n\t}\n}\n",
	})
	got, err := Inspect(file, "Mismatch", "GameData")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	want := &Props{
		Tags:    []string{"parts"},
		Depends: []Depend{{Name: "B9PartSwitch"}},
		Install: []Install{{Find: "Other", InstallTo: "GameData"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("props mismatch (-want +got):\n%s", diff)
	}
}

func TestInspectNotZip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "mod.rar")
	if err := os.WriteFile(file, []byte("Rar!\x1a\x07\x00 definitely not a zip"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Inspect(file, "Mod", "GameData"); !errors.Is(err, ErrNotZip) {
		t.Errorf("expected ErrNotZip, got %v", err)
	}
}

func TestFolder(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		want  string
	}{
		{
			name:  "only folder under the install root",
			names: []string{"Wrapper/GameData/Mod/a.cfg", "Wrapper/readme.txt"},
			want:  "Mod",
		},
		{
			name:  "folder named after the identifier",
			names: []string{"GameData/Mod/a.cfg", "GameData/Lib/b.dll"},
			want:  "Mod",
		},
		{
			name:  "only top-level folder",
			names: []string{"Something/a.cfg", "Something/Sub/b.cfg"},
			want:  "Something",
		},
		{
			name:  "the install root alone is no guess",
			names: []string{"GameData/a.cfg", "GameData/b.cfg"},
		},
		{
			name:  "several top-level folders",
			names: []string{"A/a.cfg", "B/b.cfg"},
		},
		{
			name:  "explicit directory entries",
			names: []string{"GameData/", "GameData/Thing/"},
			want:  "Thing",
		},
		{
			name:  "loose files",
			names: []string{"a.cfg"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Folder(tt.names, "Mod", "GameData"); got != tt.want {
				t.Errorf("Folder() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAnalyze(t *testing.T) {
	zipFile := writeZip(t, map[string]string{"GameData/Mod/Mod.dll": "MZ"})
	data, err := os.ReadFile(zipFile)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mod.zip":
			_, _ = w.Write(data)
		case "/mod.rar":
			_, _ = io.WriteString(w, "not a zip")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := New(srv.Client(), nil)
	got, err := a.Analyze(context.Background(), srv.URL+"/mod.zip", "Mod", "GameData")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if diff := cmp.Diff(&Props{Tags: []string{"plugin"}, Install: []Install{{Find: "Mod", InstallTo: "GameData"}}}, got); diff != "" {
		t.Errorf("props mismatch (-want +got):\n%s", diff)
	}

	got, err = a.Analyze(context.Background(), srv.URL+"/mod.rar", "Mod", "GameData")
	if err != nil || !got.Empty() {
		t.Errorf("a non-zip should give empty props, got %+v, %v", got, err)
	}

	if _, err := a.Analyze(context.Background(), srv.URL+"/missing.zip", "Mod", "GameData"); err == nil {
		t.Error("expected an error for a failed download")
	}
}
