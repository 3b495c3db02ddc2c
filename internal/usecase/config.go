package usecase

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// SourceRule is one entry of the backup-folders table: a source endpoint
// plus the per-rule overrides the transfer driver and connection layer need.
type SourceRule struct {
	Source        Path
	Target        string
	HasTarget     bool
	HadTomlFolder bool // the unresolved source template contained {TOML_FOLDER}
	Exclude       []string
	RsyncOptions  []string
	Chown         string
	Chmod         string
}

// SubTarget returns the sub-directory name a rule's files land under inside
// a snapshot: the explicit target field, or the source's base name.
func (r SourceRule) SubTarget() string {
	if r.HasTarget {
		return r.Target
	}
	return r.Source.Base()
}

// Config is the fully validated, resolved configuration for one run.
type Config struct {
	Path           string // the config file's own path, for error messages
	TargetLocation Path
	Exclude        []string
	RsyncOptions   []string
	Rules          []SourceRule
	Warnings       []string
}

// Mode is the run mode inferred from the placeholders present in
// TargetLocation.
type Mode int

const (
	// ModeSnapshot is the default mode: target contains {TODAY}.
	ModeSnapshot Mode = iota
	// ModeOffsite mirrors the latest snapshot: target contains {LATEST}.
	ModeOffsite
	// ModeCollect gathers heterogeneous sources with no date wrapping.
	ModeCollect
)

// Mode inspects TargetLocation's template and returns the inferred run mode.
func (c *Config) Mode() Mode {
	switch {
	case strings.Contains(c.TargetLocation.Template(), "{"+PlaceholderToday+"}"):
		return ModeSnapshot
	case strings.Contains(c.TargetLocation.Template(), "{"+PlaceholderLatest+"}"):
		return ModeOffsite
	default:
		return ModeCollect
	}
}

// LoadConfig reads, parses and validates the configuration at path. firstTime
// reflects the --first-time flag, needed to reject it up front in collect
// mode, where there is no snapshot lineage to start.
func LoadConfig(ctx context.Context, reader ConfigReader, path string, firstTime bool) (*Config, error) {
	data, err := reader.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	var raw map[string]interface{}
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}

	tomlFolder := filepath.Dir(path)
	placeholders := map[string]string{PlaceholderTomlFolder: tomlFolder}

	cfg, err := validateSchema(raw, &meta, path, placeholders)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.Path = path

	if err := validateSemantics(cfg, firstTime); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	return cfg, nil
}

func validateSchema(
	raw map[string]interface{},
	meta *toml.MetaData,
	file string,
	placeholders map[string]string,
) (*Config, error) {
	targetRaw, ok := raw["target-location"]
	if !ok {
		return nil, fmt.Errorf("Missing string 'target-location' in %s", file)
	}
	targetStr, ok := targetRaw.(string)
	if !ok {
		return nil, fmt.Errorf("Expected string for 'target-location' in %s got: %s", file, reprValue(targetRaw))
	}

	exclude, err := optionalStringArray(raw, "exclude", file)
	if err != nil {
		return nil, err
	}
	rsyncOptions, err := optionalStringArray(raw, "rsync-options", file)
	if err != nil {
		return nil, err
	}

	foldersRaw, ok := raw["backup-folders"]
	if !ok {
		return nil, fmt.Errorf("Missing table 'backup-folders' in %s", file)
	}
	folders, ok := foldersRaw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("Expected table for 'backup-folders' in %s got: %s", file, reprValue(foldersRaw))
	}

	order := backupFoldersOrder(meta)
	rules := make([]SourceRule, 0, len(folders))
	seen := make(map[string]bool, len(folders))
	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true
		ruleRaw, ok := folders[name]
		if !ok {
			continue
		}
		rule, err := validateSourceRule(name, ruleRaw)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	cfg := &Config{
		TargetLocation: ParsePath(targetStr).StrFormat(placeholders),
		Exclude:        exclude,
		RsyncOptions:   rsyncOptions,
		Rules:          rules,
	}
	for i := range cfg.Rules {
		cfg.Rules[i].Source = cfg.Rules[i].Source.StrFormat(placeholders)
	}
	return cfg, nil
}

// backupFoldersOrder returns the source-rule names in the order they were
// written in the TOML document, using toml.MetaData.Keys() (document order)
// rather than the unordered decoded map.
func backupFoldersOrder(meta *toml.MetaData) []string {
	var order []string
	for _, key := range meta.Keys() {
		if len(key) == 2 && key[0] == "backup-folders" {
			order = append(order, key[1])
		}
	}
	return order
}

func validateSourceRule(name string, ruleRaw interface{}) (SourceRule, error) {
	table, ok := ruleRaw.(map[string]interface{})
	if !ok {
		return SourceRule{}, fmt.Errorf(
			"Expected table for '%s' in backup-folders got: %s", name, reprValue(ruleRaw),
		)
	}

	rule := SourceRule{
		Source:        ParsePath(name),
		HadTomlFolder: strings.Contains(name, "{"+PlaceholderTomlFolder+"}"),
	}

	if targetRaw, ok := table["target"]; ok {
		targetStr, ok := targetRaw.(string)
		if !ok {
			return SourceRule{}, fmt.Errorf(
				"Expected string for 'target' in %s got: %s", name, reprValue(targetRaw),
			)
		}
		rule.Target = targetStr
		rule.HasTarget = true
	}

	exclude, err := optionalStringArray(table, "exclude", name)
	if err != nil {
		return SourceRule{}, err
	}
	rule.Exclude = exclude

	rsyncOptions, err := optionalStringArray(table, "rsync-options", name)
	if err != nil {
		return SourceRule{}, err
	}
	rule.RsyncOptions = rsyncOptions

	if chownRaw, ok := table["chown"]; ok {
		chownStr, ok := chownRaw.(string)
		if !ok {
			return SourceRule{}, fmt.Errorf("Expected string for 'chown' in %s got: %s", name, reprValue(chownRaw))
		}
		rule.Chown = chownStr
	}
	if chmodRaw, ok := table["chmod"]; ok {
		chmodStr, ok := chmodRaw.(string)
		if !ok {
			return SourceRule{}, fmt.Errorf("Expected string for 'chmod' in %s got: %s", name, reprValue(chmodRaw))
		}
		rule.Chmod = chmodStr
	}

	return rule, nil
}

func optionalStringArray(table map[string]interface{}, field, scope string) ([]string, error) {
	raw, ok := table[field]
	if !ok {
		return nil, nil
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("Expected array of strings for '%s' in %s got: %s", field, scope, reprValue(raw))
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("Expected array of strings for '%s' in %s got: %s", field, scope, reprValue(raw))
		}
		out = append(out, s)
	}
	return out, nil
}

func reprValue(v interface{}) string {
	switch val := v.(type) {
	case []interface{}:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = reprValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case string:
		return "'" + val + "'"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func validateSemantics(cfg *Config, firstTime bool) error {
	if !cfg.TargetLocation.IsAbsolute() {
		return fmt.Errorf("Target location '%s' must be absolute path.", cfg.TargetLocation.String())
	}

	if len(cfg.Rules) == 0 {
		return fmt.Errorf("backup-folders must contain at least one entry in %s", cfg.Path)
	}

	for _, rule := range cfg.Rules {
		if !rule.Source.Local().IsAbsolute() {
			return fmt.Errorf("Source location '%s' must be absolute path.", rule.Source.String())
		}
		if rule.Source.IsRemote() && cfg.TargetLocation.IsRemote() {
			return fmt.Errorf(
				"Source '%s' and target location '%s' cannot both be remote.",
				rule.Source.String(), cfg.TargetLocation.String(),
			)
		}
		if rule.Source.IsRemote() && !rule.HasTarget {
			return fmt.Errorf("Remote source '%s' requires a target path.", rule.Source.String())
		}
		if rule.HadTomlFolder && !rule.HasTarget {
			return fmt.Errorf("Source with TOML_FOLDER '%s' requires a target path.", rule.Source.String())
		}
	}

	if err := checkSubTargetOverlap(cfg.Rules); err != nil {
		return err
	}

	switch cfg.Mode() {
	case ModeOffsite:
		if len(cfg.Rules) != 1 {
			return fmt.Errorf("Only one backup folder allowed in offsite mode.")
		}
		rule := cfg.Rules[0]
		if !strings.Contains(rule.Source.Template(), "{"+PlaceholderLatest+"}") {
			return fmt.Errorf("Missing backup folder with {LATEST} field in offsite mode.")
		}
		if !rule.HasTarget || rule.Target != "" {
			return fmt.Errorf("Backup folder target must be empty (target='') in offsite mode.")
		}
	case ModeCollect:
		if firstTime {
			return fmt.Errorf("--first-time cannot be specified in collect mode.")
		}
		for _, rule := range cfg.Rules {
			if !rule.HasTarget {
				return fmt.Errorf("Collect mode requires an explicit target for source '%s'.", rule.Source.String())
			}
		}
	}

	return nil
}

// checkSubTargetOverlap rejects a pair of rules whose effective per-snapshot
// sub-target path would overlap (one is a path-prefix of the other).
func checkSubTargetOverlap(rules []SourceRule) error {
	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			a, b := rules[i].SubTarget(), rules[j].SubTarget()
			if pathOverlaps(a, b) {
				return fmt.Errorf("Target folder of '%s' overlaps with target folder of '%s'.", a, b)
			}
		}
	}
	return nil
}

func pathOverlaps(a, b string) bool {
	a = strings.Trim(a, "/")
	b = strings.Trim(b, "/")
	if a == b {
		return true
	}
	return strings.HasPrefix(a+"/", b+"/") || strings.HasPrefix(b+"/", a+"/")
}
