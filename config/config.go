// Package config loads the ordered array of supervisor entries that
// describes every backend procgate manages, grouping on-demand entries by
// dispatcher port in first-occurrence order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one row of the config file, before validation splits it into a
// Pausable or OnDemand entry. Fields that don't apply to a given type are
// left zero.
type Entry struct {
	Type          string   `json:"type" yaml:"type"`
	Name          string   `json:"name" yaml:"name"`
	Cmdline       string   `json:"cmdline" yaml:"cmdline"`
	Workdir       string   `json:"workdir" yaml:"workdir"`
	Port          int      `json:"port" yaml:"port"`
	Path          string   `json:"path" yaml:"path"`
	Endpoint      string   `json:"endpoint" yaml:"endpoint"`
	TimeoutMin    float64  `json:"timeout" yaml:"timeout"`
	ConflictsWith []string `json:"conflicts_with" yaml:"conflicts_with"`
	BodyRegex     string   `json:"body_regex" yaml:"body_regex"`
	Runtime       string   `json:"runtime" yaml:"runtime"`
	Image         string   `json:"image" yaml:"image"`
}

// Notifications configures the optional Telegram notifier.
type Notifications struct {
	TelegramBotToken string `json:"telegram_bot_token" yaml:"telegram_bot_token"`
	TelegramChatID   int64  `json:"telegram_chat_id" yaml:"telegram_chat_id"`
}

// file is the top-level shape of config.json / config.yaml.
type file struct {
	Entries       []Entry       `json:"entries" yaml:"entries"`
	Notifications Notifications `json:"notifications" yaml:"notifications"`
}

// Backend is a validated on-demand entry, argv already split.
type Backend struct {
	Name          string
	Cmdline       []string
	Workdir       string
	Endpoint      string
	TimeoutMin    float64
	ConflictsWith []string
	BodyRegex     *regexp.Regexp
	Runtime       string
	Image         string
}

// IsMain reports whether this backend has no body_regex, making it the
// pool's fallback.
func (b Backend) IsMain() bool { return b.BodyRegex == nil }

// Dispatcher groups every on-demand backend sharing one port, in the order
// they were declared in the file.
type Dispatcher struct {
	Port     int
	Path     string
	Backends []Backend
}

// Worker is a validated pausable entry.
type Worker struct {
	Name    string
	Cmdline []string
	Workdir string
}

// Document is the fully parsed and validated config file.
type Document struct {
	Dispatchers   []*Dispatcher
	Workers       []Worker
	Notifications Notifications
}

// Load reads and validates the config file at path, selecting JSON or YAML
// decoding by its extension.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var f file
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unrecognized config extension %q", ext)
	}

	return build(f)
}

func build(f file) (*Document, error) {
	doc := &Document{Notifications: f.Notifications}

	byPort := map[int]*Dispatcher{}
	seenNames := map[string]bool{}
	mainSeenForPort := map[int]bool{}

	for i, e := range f.Entries {
		if e.Name == "" {
			return nil, fmt.Errorf("entry %d: name is required", i)
		}
		if seenNames[e.Name] {
			return nil, fmt.Errorf("entry %d: duplicate supervisor name %q", i, e.Name)
		}
		seenNames[e.Name] = true

		cmdline := strings.Split(e.Cmdline, " ")
		if len(cmdline) == 0 || cmdline[0] == "" {
			return nil, fmt.Errorf("entry %q: cmdline is required", e.Name)
		}

		switch e.Type {
		case "pausable":
			doc.Workers = append(doc.Workers, Worker{
				Name:    e.Name,
				Cmdline: cmdline,
				Workdir: e.Workdir,
			})

		case "ondemand":
			if e.Port == 0 {
				return nil, fmt.Errorf("entry %q: port is required for an ondemand entry", e.Name)
			}
			if e.Endpoint == "" {
				return nil, fmt.Errorf("entry %q: endpoint is required for an ondemand entry", e.Name)
			}
			if e.TimeoutMin <= 0 {
				return nil, fmt.Errorf("entry %q: timeout is required for an ondemand entry", e.Name)
			}
			if e.Runtime == "docker" && e.Image == "" {
				return nil, fmt.Errorf("entry %q: image is required when runtime is docker", e.Name)
			}

			var re *regexp.Regexp
			if e.BodyRegex != "" {
				var err error
				re, err = regexp.Compile(e.BodyRegex)
				if err != nil {
					return nil, fmt.Errorf("entry %q: invalid body_regex: %w", e.Name, err)
				}
			} else {
				if mainSeenForPort[e.Port] {
					return nil, fmt.Errorf("port %d: more than one entry omits body_regex", e.Port)
				}
				mainSeenForPort[e.Port] = true
			}

			d, ok := byPort[e.Port]
			if !ok {
				d = &Dispatcher{Port: e.Port, Path: e.Path}
				byPort[e.Port] = d
				doc.Dispatchers = append(doc.Dispatchers, d)
			}

			d.Backends = append(d.Backends, Backend{
				Name:          e.Name,
				Cmdline:       cmdline,
				Workdir:       e.Workdir,
				Endpoint:      e.Endpoint,
				TimeoutMin:    e.TimeoutMin,
				ConflictsWith: e.ConflictsWith,
				BodyRegex:     re,
				Runtime:       e.Runtime,
				Image:         e.Image,
			})

		default:
			return nil, fmt.Errorf("entry %q: unknown type %q", e.Name, e.Type)
		}
	}

	for _, d := range doc.Dispatchers {
		if !mainSeenForPort[d.Port] {
			return nil, fmt.Errorf("port %d: no entry omits body_regex, so there is no main backend", d.Port)
		}
	}

	allOnDemand := map[string]bool{}
	for _, d := range doc.Dispatchers {
		for _, b := range d.Backends {
			allOnDemand[b.Name] = true
		}
	}
	for _, d := range doc.Dispatchers {
		for _, b := range d.Backends {
			for _, name := range b.ConflictsWith {
				if !allOnDemand[name] {
					return nil, fmt.Errorf("entry %q: conflicts_with names unknown on-demand entry %q", b.Name, name)
				}
			}
		}
	}

	return doc, nil
}
