package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/desertthunder/regx/internal/shared"
	"github.com/urfave/cli/v3"
)

// ConfigShow prints the stored settings as TOML, or JSON with --json.
func (r *Runner) ConfigShow(ctx context.Context, cmd *cli.Command) error {
	if err := r.init(ctx); err != nil {
		return err
	}
	settings, err := r.settings.Get(ctx)
	if err != nil {
		return err
	}
	return r.printSettings(settings, cmd.Bool("json"))
}

func (r *Runner) printSettings(settings shared.Settings, useJSON bool) error {
	if settings.PushPlusToken != "" {
		settings.PushPlusToken = mask(settings.PushPlusToken)
	}
	if useJSON {
		return r.writeJSON(settings, true)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return r.writePlain("%s", buf.String())
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}

// ConfigSet merges key=value pairs into the stored settings.
//
// Values are read as JSON when possible so numbers and booleans keep their type; anything else is a string.
func (r *Runner) ConfigSet(ctx context.Context, cmd *cli.Command) error {
	pairs := cmd.Args().Slice()
	if len(pairs) == 0 {
		return fmt.Errorf("%w: at least one key=value pair", shared.ErrMissingArgument)
	}
	if err := r.init(ctx); err != nil {
		return err
	}

	current, err := r.settings.Get(ctx)
	if err != nil {
		return err
	}
	updated, err := mergeSettings(current, pairs)
	if err != nil {
		return err
	}
	if err := r.settings.Put(ctx, updated); err != nil {
		return err
	}

	r.logger.Info("settings updated", "keys", len(pairs))
	r.writePlain("✓ Settings updated\n\n")
	return r.printSettings(updated, false)
}

func mergeSettings(current shared.Settings, pairs []string) (shared.Settings, error) {
	data, err := json.Marshal(current)
	if err != nil {
		return current, fmt.Errorf("failed to encode settings: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return current, fmt.Errorf("failed to decode settings: %w", err)
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return current, fmt.Errorf("%w: %q is not key=value", shared.ErrInvalidArgument, pair)
		}
		if _, known := fields[key]; !known {
			return current, fmt.Errorf("%w: unknown setting %q (known: %s)", shared.ErrInvalidArgument, key, keys(fields))
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		fields[key] = value
	}

	data, err = json.Marshal(fields)
	if err != nil {
		return current, fmt.Errorf("failed to encode settings: %w", err)
	}

	var merged shared.Settings
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&merged); err != nil {
		return current, fmt.Errorf("%w: %v", shared.ErrInvalidArgument, err)
	}
	return merged, nil
}

func keys(m map[string]any) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

// ConfigReset drops stored settings so the [register] table of config.toml applies again.
func (r *Runner) ConfigReset(ctx context.Context, cmd *cli.Command) error {
	if err := r.init(ctx); err != nil {
		return err
	}
	if err := r.settings.Reset(ctx); err != nil {
		return err
	}
	r.writePlain("✓ Settings reset to defaults\n")
	return nil
}
