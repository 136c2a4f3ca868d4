package config

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/kballard/go-shellquote"

	"pbots/internal/scraper"
	"pbots/internal/storage"
)

// Validate resolves everything that can fail at load time: duplicate or
// invalid source ids, unparsable command lines, unknown transform names,
// bad durations and bad recipient addresses. Unknown commands failing here
// instead of mid-run is the point.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	seen := map[int64]bool{}
	for i, src := range c.Sources {
		where := fmt.Sprintf("sources[%d]", i)
		if src.ID <= 0 {
			return fmt.Errorf("%s: id must be positive", where)
		}
		if seen[src.ID] {
			return fmt.Errorf("%s: duplicate source id %d", where, src.ID)
		}
		seen[src.ID] = true
		if strings.TrimSpace(src.Name) == "" {
			return fmt.Errorf("%s: name is required", where)
		}
		if _, err := shellquote.Split(src.Command); err != nil {
			return fmt.Errorf("%s: invalid command %q: %w", where, src.Command, err)
		}
		if argv, _ := shellquote.Split(src.Command); len(argv) == 0 {
			return fmt.Errorf("%s: command is required", where)
		}
		if _, err := ParseDurationField(where+".timeout", src.Timeout); err != nil {
			return err
		}
		if _, err := scraper.LookupTransform(src.Transform); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		for j, r := range src.Recipients {
			if _, err := mail.ParseAddress(r.Email); err != nil {
				return fmt.Errorf("%s.recipients[%d]: invalid email %q", where, j, r.Email)
			}
		}
	}

	if strings.TrimSpace(c.SMTP.From) != "" {
		if _, err := mail.ParseAddress(c.SMTP.From); err != nil {
			return fmt.Errorf("smtp.from: invalid address %q", c.SMTP.From)
		}
	}
	return nil
}

// ScraperSpecs resolves the per-source scraper invocations. Call Validate
// first; resolution errors here would have been caught there.
func (c *Config) ScraperSpecs() (map[int64]scraper.Spec, error) {
	specs := make(map[int64]scraper.Spec, len(c.Sources))
	for _, src := range c.Sources {
		argv, err := shellquote.Split(src.Command)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", src.ID, err)
		}
		timeout, err := ParseDurationField("timeout", src.Timeout)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", src.ID, err)
		}
		transform, err := scraper.LookupTransform(src.Transform)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", src.ID, err)
		}
		specs[src.ID] = scraper.Spec{Argv: argv, Timeout: timeout, Transform: transform}
	}
	return specs, nil
}

// SourceSeeds returns the static catalogue rows for storage.SyncSources.
func (c *Config) SourceSeeds() []storage.SourceSeed {
	seeds := make([]storage.SourceSeed, 0, len(c.Sources))
	for _, src := range c.Sources {
		seeds = append(seeds, storage.SourceSeed{ID: src.ID, Name: src.Name, Command: src.Command})
	}
	return seeds
}

// RecipientSeeds returns the configured mailing lists for storage.SyncRecipients.
func (c *Config) RecipientSeeds() []storage.RecipientSeed {
	var seeds []storage.RecipientSeed
	for _, src := range c.Sources {
		for _, r := range src.Recipients {
			seeds = append(seeds, storage.RecipientSeed{SourceID: src.ID, Name: r.Name, Email: r.Email})
		}
	}
	return seeds
}

// Schedule is one cron-triggered source.
type Schedule struct {
	SourceID int64
	Name     string
	Spec     string
}

// Schedules returns the sources carrying a cron spec.
func (c *Config) Schedules() []Schedule {
	var out []Schedule
	for _, src := range c.Sources {
		if strings.TrimSpace(src.Schedule) != "" {
			out = append(out, Schedule{SourceID: src.ID, Name: src.Name, Spec: src.Schedule})
		}
	}
	return out
}
