package browser

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/chromedp/cdproto/target"
)

func TestProfileDir(t *testing.T) {
	tests := []struct {
		identity string
		want     string
		wantErr  bool
	}{
		{identity: "trader1", want: filepath.Join("root", "trader1")},
		{identity: "jane.doe@example.com", want: filepath.Join("root", "jane.doe@example.com")},
		{identity: "john_1@example.com", want: filepath.Join("root", "john_1@example.com")},
		{identity: "../x", want: filepath.Join("root", "_x-d6b96a97d147")},
		{identity: "a/b c", want: filepath.Join("root", "a_b_c-0af99a609169")},
		{identity: "john+1@example.com", want: filepath.Join("root", "john_1@example.com-fb7448e5eefc")},
		{identity: "..", wantErr: true},
		{identity: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			got, err := ProfileDir("root", tt.identity)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ProfileDir(%q) = %q; want error", tt.identity, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ProfileDir(%q) error = %v", tt.identity, err)
			}
			if got != tt.want {
				t.Fatalf("ProfileDir(%q) = %q; want %q", tt.identity, got, tt.want)
			}
		})
	}
}

func TestProfileDirKeepsIdentitiesApart(t *testing.T) {
	identities := []string{"john+1@example.com", "john_1@example.com", "john 1@example.com", "john/1@example.com"}
	seen := make(map[string]string)
	for _, id := range identities {
		dir, err := ProfileDir("root", id)
		if err != nil {
			t.Fatalf("ProfileDir(%q) error = %v", id, err)
		}
		if other, ok := seen[dir]; ok {
			t.Fatalf("ProfileDir(%q) = ProfileDir(%q) = %q; want distinct directories", id, other, dir)
		}
		seen[dir] = id
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal %s: %v", path, err)
	}
	return doc
}

func TestPatchCleanExitRewritesFlags(t *testing.T) {
	dir := t.TempDir()
	prefs := filepath.Join(dir, "Default", "Preferences")
	local := filepath.Join(dir, "Local State")
	writeJSON(t, prefs, map[string]any{
		"profile": map[string]any{"exit_type": "Crashed", "exited_cleanly": false, "name": "Person 1"},
		"intl":    map[string]any{"accept_languages": "en-US"},
	})
	writeJSON(t, local, map[string]any{
		"user_experience_metrics": map[string]any{"stability": map[string]any{"exited_cleanly": false}},
	})
	for _, rel := range []string{"Default/Current Session", "Default/Last Tabs", "SingletonLock"} {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "Default", "Sessions"), 0o755); err != nil {
		t.Fatalf("mkdir sessions: %v", err)
	}

	if err := PatchCleanExit(dir); err != nil {
		t.Fatalf("PatchCleanExit() error = %v", err)
	}

	doc := readJSON(t, prefs)
	profile := doc["profile"].(map[string]any)
	if profile["exit_type"] != "Normal" {
		t.Fatalf("exit_type = %v; want Normal", profile["exit_type"])
	}
	if profile["exited_cleanly"] != true {
		t.Fatalf("exited_cleanly = %v; want true", profile["exited_cleanly"])
	}
	if profile["name"] != "Person 1" {
		t.Fatalf("unrelated key lost: name = %v", profile["name"])
	}
	if _, ok := doc["intl"]; !ok {
		t.Fatalf("unrelated section intl dropped")
	}

	state := readJSON(t, local)
	stability := state["user_experience_metrics"].(map[string]any)["stability"].(map[string]any)
	if stability["exited_cleanly"] != true {
		t.Fatalf("local state exited_cleanly = %v; want true", stability["exited_cleanly"])
	}

	for _, rel := range []string{"Default/Current Session", "Default/Last Tabs", "Default/Sessions", "SingletonLock"} {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel))); !os.IsNotExist(err) {
			t.Fatalf("%s still present after patch (err=%v)", rel, err)
		}
	}
}

func TestPatchCleanExitFreshProfile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "new-profile")
	if err := PatchCleanExit(dir); err != nil {
		t.Fatalf("PatchCleanExit() on fresh profile error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Default")); err != nil {
		t.Fatalf("Default dir not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Default", "Preferences")); !os.IsNotExist(err) {
		t.Fatalf("Preferences created for fresh profile (err=%v)", err)
	}
}

func TestPatchCleanExitSkipsCorruptJSON(t *testing.T) {
	dir := t.TempDir()
	prefs := filepath.Join(dir, "Default", "Preferences")
	if err := os.MkdirAll(filepath.Dir(prefs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(prefs, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := PatchCleanExit(dir); err != nil {
		t.Fatalf("PatchCleanExit() error = %v; want nil for corrupt file", err)
	}
}

func TestPreferMatching(t *testing.T) {
	in := []*target.Info{
		{TargetID: "a", URL: "about:blank"},
		{TargetID: "b", URL: "https://app.ctrader.com/"},
		{TargetID: "c", URL: "chrome://newtab/"},
	}
	got := PreferMatching(in, "app.ctrader.com")
	want := []target.ID{"b", "a", "c"}
	for i, id := range want {
		if got[i].TargetID != id {
			t.Fatalf("PreferMatching()[%d] = %s; want %s", i, got[i].TargetID, id)
		}
	}
	if same := PreferMatching(in, ""); len(same) != 3 || same[0].TargetID != "a" {
		t.Fatalf("PreferMatching(empty) reordered targets")
	}
}
