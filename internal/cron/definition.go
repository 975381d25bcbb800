// Package cron implements the CronScheduler (spec §4.6, C8): fires cron
// prompts onto the LaneQueue's cron lane at their scheduled times.
//
// Grounded on _examples/lbaominh-dev-goclaw/internal/cron/service.go for
// the overall shape (a Service owning job persistence and a run loop,
// enable/disable/list/get operations) and on
// github.com/adhocore/gronx for cron-expression validation and next-tick
// computation, replacing that file's hand-rolled computeNextRun (never
// retrieved in this pack, and gronx is already a direct go.mod dependency
// no teacher file actually imports). Dynamic one-off/interval tasks are
// supplemented from openpaw/domain/cron.py's DynamicCronTask.
package cron

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// OutputRoute is where a cron job's response is delivered (spec §3's
// CronDefinition.output_route).
type OutputRoute struct {
	Channel   string `yaml:"channel"`
	ChatID    int64  `yaml:"chat_id,omitempty"`
	GuildID   int64  `yaml:"guild_id,omitempty"`
	ChannelID int64  `yaml:"channel_id,omitempty"`
}

// Definition is the CronDefinition entity (spec §3): a named, five-field
// cron-expression job loaded from the workspace's crons/ directory.
type Definition struct {
	Name     string      `yaml:"name"`
	Schedule string      `yaml:"schedule"`
	Enabled  bool        `yaml:"enabled"`
	Prompt   string      `yaml:"prompt"`
	Output   OutputRoute `yaml:"output"`
}

// Payload is what a cron tick enqueues onto the LaneQueue's cron lane
// (spec §4.6: "{ lane: cron, payload: { prompt, output_route, cron_name } }").
type Payload struct {
	Prompt      string
	OutputRoute OutputRoute
	CronName    string
}

var validator = gronx.New()

// IsValidSchedule reports whether expr parses as a five-field cron
// expression (spec §4.6: "Validates schedules at load time").
func IsValidSchedule(expr string) bool {
	return validator.IsValid(expr)
}

// LoadDefinitions reads every *.yaml/*.yml file in dir as one Definition
// each (spec: "Loaded from YAML"). A file that fails to parse is skipped
// with a logged warning rather than aborting the whole load — one
// malformed job must not take down the others.
func LoadDefinitions(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cron: read definitions dir: %w", err)
	}

	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			slog.Warn("cron: skipping malformed definition file", "path", path, "error", err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}
