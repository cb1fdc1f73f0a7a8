package browser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeProfileChars = regexp.MustCompile(`[^A-Za-z0-9._@-]+`)

// ProfileDir maps an identity to its profile directory under root. Names
// that had to be rewritten carry a hash of the raw identity, so two
// identities never share a directory.
func ProfileDir(root, identity string) (string, error) {
	raw := strings.TrimSpace(identity)
	name := unsafeProfileChars.ReplaceAllString(raw, "_")
	name = strings.Trim(name, ".")
	if name == "" {
		return "", fmt.Errorf("identity %q has no usable profile name", identity)
	}
	if name != raw {
		sum := sha256.Sum256([]byte(raw))
		name += "-" + hex.EncodeToString(sum[:6])
	}
	return filepath.Join(root, name), nil
}

// restoreArtifacts are removed so the next start has nothing to restore.
var restoreArtifacts = []string{
	filepath.Join("Default", "Current Session"),
	filepath.Join("Default", "Current Tabs"),
	filepath.Join("Default", "Last Session"),
	filepath.Join("Default", "Last Tabs"),
	filepath.Join("Default", "Sessions"),
}

// Stale singleton files left by a killed process make a new instance hand the
// profile to a browser that no longer exists.
var singletonArtifacts = []string{"SingletonLock", "SingletonSocket", "SingletonCookie"}

// PatchCleanExit marks the profile's last exit as normal and deletes
// session-restore artifacts, so the browser starts without the
// "restore pages?" interstitial. Missing files are not an error.
func PatchCleanExit(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "Default"), 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	if err := patchJSON(filepath.Join(dir, "Default", "Preferences"), func(doc map[string]any) {
		profile := child(doc, "profile")
		profile["exit_type"] = "Normal"
		profile["exited_cleanly"] = true
	}); err != nil {
		return err
	}
	if err := patchJSON(filepath.Join(dir, "Local State"), func(doc map[string]any) {
		child(doc, "user_experience_metrics", "stability")["exited_cleanly"] = true
		doc["was_restarted"] = false
	}); err != nil {
		return err
	}

	for _, rel := range append(restoreArtifacts, singletonArtifacts...) {
		p := filepath.Join(dir, rel)
		if err := os.RemoveAll(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
	}
	slog.Debug("profile clean-exit patch applied", "profile", dir)
	return nil
}

// patchJSON applies fn to the JSON object stored at path. An absent or
// unreadable file is skipped: a fresh profile has nothing to restore.
func patchJSON(path string, fn func(map[string]any)) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("profile preference file is not valid JSON, skipping", "path", path, "error", err)
		return nil
	}
	fn(doc)

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// child walks doc along keys, creating objects where absent or mistyped.
func child(doc map[string]any, keys ...string) map[string]any {
	cur := doc
	for _, k := range keys {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[k] = next
		}
		cur = next
	}
	return cur
}
