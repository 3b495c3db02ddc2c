package usecase

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeConfigReader struct {
	files map[string][]byte
}

func (f fakeConfigReader) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func writeTempConfig(t *testing.T, content string) (string, ConfigReader) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blue.toml")
	return path, fakeConfigReader{files: map[string][]byte{path: []byte(content)}}
}

func TestLoadConfigMissingTargetLocation(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
[backup-folders]
[backup-folders."/src"]
`)
	_, err := LoadConfig(context.Background(), reader, path, false)
	if err == nil || !strings.Contains(err.Error(), "Missing string 'target-location' in "+path) {
		t.Fatalf("got %v", err)
	}
}

func TestLoadConfigTargetLocationWrongType(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
target-location = ["/tmp/t"]
[backup-folders]
`)
	_, err := LoadConfig(context.Background(), reader, path, false)
	if err == nil || !strings.Contains(err.Error(), "Expected string for 'target-location' in "+path) {
		t.Fatalf("got %v", err)
	}
}

func TestLoadConfigMissingBackupFolders(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `target-location = "/tmp/t"`)
	_, err := LoadConfig(context.Background(), reader, path, false)
	if err == nil || !strings.Contains(err.Error(), "Missing table 'backup-folders' in "+path) {
		t.Fatalf("got %v", err)
	}
}

func TestLoadConfigExcludeWrongType(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
target-location = "/tmp/t"
exclude = "exclude-me"
[backup-folders]
`)
	_, err := LoadConfig(context.Background(), reader, path, false)
	if err == nil || !strings.Contains(err.Error(), "Expected array of strings for 'exclude' in "+path) {
		t.Fatalf("got %v", err)
	}
}

func TestLoadConfigTargetLocationNotAbsolute(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
target-location = "relative/path"
[backup-folders]
[backup-folders."/src"]
`)
	_, err := LoadConfig(context.Background(), reader, path, false)
	if err == nil || !strings.Contains(err.Error(), "Target location 'relative/path' must be absolute path.") {
		t.Fatalf("got %v", err)
	}
}

func TestLoadConfigRemoteSourceRequiresTarget(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
target-location = "/tmp/t/{TODAY}"
[backup-folders]
[backup-folders."host:/src"]
`)
	_, err := LoadConfig(context.Background(), reader, path, false)
	if err == nil || !strings.Contains(err.Error(), "Remote source 'host:/src' requires a target path.") {
		t.Fatalf("got %v", err)
	}
}

func TestLoadConfigRejectsBothRemote(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
target-location = "host:/tmp/t/{TODAY}"
[backup-folders]
[backup-folders."other-host:/src"]
target = "src"
`)
	_, err := LoadConfig(context.Background(), reader, path, false)
	if err == nil || !strings.Contains(err.Error(), "cannot both be remote") {
		t.Fatalf("got %v", err)
	}
}

func TestLoadConfigOverlappingTargets(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
target-location = "/tmp/t/{TODAY}"
[backup-folders]
[backup-folders."/home"]
[backup-folders."/home/user"]
target = "home"
`)
	_, err := LoadConfig(context.Background(), reader, path, false)
	if err == nil || !strings.Contains(err.Error(), "overlaps with target folder of") {
		t.Fatalf("got %v", err)
	}
}

func TestLoadConfigOffsiteModeValidations(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
target-location = "/tmp/off/{LATEST}"
[backup-folders]
[backup-folders."/tmp/t/{LATEST}"]
target = ""
[backup-folders."/other"]
target = "x"
`)
	_, err := LoadConfig(context.Background(), reader, path, false)
	if err == nil || !strings.Contains(err.Error(), "Only one backup folder allowed in offsite mode.") {
		t.Fatalf("got %v", err)
	}
}

func TestLoadConfigCollectModeRejectsFirstTime(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
target-location = "/tmp/c"
[backup-folders]
[backup-folders."/local"]
target = "local"
`)
	_, err := LoadConfig(context.Background(), reader, path, true)
	if err == nil || !strings.Contains(err.Error(), "--first-time cannot be specified in collect mode.") {
		t.Fatalf("got %v", err)
	}
}

func TestLoadConfigValidSnapshotModeResolvesPlaceholders(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
target-location = "{TOML_FOLDER}/target/{TODAY}"
exclude = ["*.cache"]
rsync-options = ["--delete"]
[backup-folders]
[backup-folders."{TOML_FOLDER}/source"]
target = "source"
exclude = ["cache"]
`)
	cfg, err := LoadConfig(context.Background(), reader, path, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mode() != ModeSnapshot {
		t.Fatalf("expected snapshot mode, got %v", cfg.Mode())
	}
	tomlFolder := filepath.Dir(path)
	if !strings.HasPrefix(cfg.TargetLocation.Template(), tomlFolder) {
		t.Fatalf("TOML_FOLDER not resolved: %q", cfg.TargetLocation.Template())
	}
	if len(cfg.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(cfg.Rules))
	}
	if cfg.Rules[0].SubTarget() != "source" {
		t.Fatalf("expected sub-target 'source', got %q", cfg.Rules[0].SubTarget())
	}
}

func TestLoadConfigBackupFoldersOrderPreserved(t *testing.T) {
	t.Parallel()
	path, reader := writeTempConfig(t, `
target-location = "/tmp/c"
[backup-folders]
[backup-folders."/z-source"]
target = "z"
[backup-folders."/a-source"]
target = "a"
`)
	cfg, err := LoadConfig(context.Background(), reader, path, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Rules) != 2 || cfg.Rules[0].Target != "z" || cfg.Rules[1].Target != "a" {
		t.Fatalf("document order not preserved: %+v", cfg.Rules)
	}
}
