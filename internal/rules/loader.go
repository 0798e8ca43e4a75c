// Package rules loads device rules from a directory and applies them to
// devices inside a worker.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"udevd/internal/common/fsutil"
)

// Rule matches devices and lists what to do with them.
type Rule struct {
	Name  string            `json:"name" yaml:"name" toml:"name"`
	Match Match             `json:"match" yaml:"match" toml:"match"`
	Env   map[string]string `json:"env" yaml:"env" toml:"env"`
	Run   []string          `json:"run" yaml:"run" toml:"run"`
	Watch bool              `json:"watch" yaml:"watch" toml:"watch"`
	// Last stops evaluation after this rule matched.
	Last bool `json:"last" yaml:"last" toml:"last"`
}

// Match holds glob patterns; empty fields match anything.
type Match struct {
	Action    []string          `json:"action" yaml:"action" toml:"action"`
	Subsystem string            `json:"subsystem" yaml:"subsystem" toml:"subsystem"`
	Kernel    string            `json:"kernel" yaml:"kernel" toml:"kernel"`
	DevPath   string            `json:"devpath" yaml:"devpath" toml:"devpath"`
	Env       map[string]string `json:"env" yaml:"env" toml:"env"`
}

type file struct {
	Rules []Rule `json:"rules" yaml:"rules" toml:"rules"`
}

// Set is an ordered collection of rules loaded from a directory.
type Set struct {
	Dir   string
	Files []string
	Rules []Rule
	Stamp Stamp
}

// Stamp summarizes a rules directory so changes can be detected cheaply.
type Stamp struct {
	Files   int
	ModTime time.Time
}

func (s Stamp) Equal(o Stamp) bool { return s.Files == o.Files && s.ModTime.Equal(o.ModTime) }

var ruleExts = map[string]bool{".yaml": true, ".yml": true, ".json": true, ".toml": true}

// LoadDir reads every *.yaml, *.yml, *.json and *.toml file in dir in lexical
// order. A missing directory yields an empty set.
func LoadDir(dir string) (*Set, error) {
	abs, files, stamp, err := scan(dir)
	if err != nil {
		return nil, err
	}
	set := &Set{Dir: abs, Stamp: stamp}
	for _, p := range files {
		rs, err := loadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		set.Files = append(set.Files, p)
		set.Rules = append(set.Rules, rs...)
	}
	return set, nil
}

// StampDir returns the current stamp of dir without parsing anything.
func StampDir(dir string) (Stamp, error) {
	_, _, stamp, err := scan(dir)
	return stamp, err
}

func scan(dir string) (string, []string, Stamp, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return "", nil, Stamp{}, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return "", nil, Stamp{}, fmt.Errorf("abs path: %w", err)
	}
	var stamp Stamp
	dirInfo, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil, stamp, nil
		}
		return "", nil, Stamp{}, fmt.Errorf("stat dir: %w", err)
	}
	stamp.ModTime = dirInfo.ModTime()
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", nil, Stamp{}, fmt.Errorf("read dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || !ruleExts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(stamp.ModTime) {
			stamp.ModTime = info.ModTime()
		}
		files = append(files, filepath.Join(abs, name))
	}
	sort.Strings(files)
	stamp.Files = len(files)
	return abs, files, stamp, nil
}

func loadFile(p string) ([]Rule, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var f file
	switch strings.ToLower(filepath.Ext(p)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &f)
	case ".json":
		err = json.Unmarshal(b, &f)
	case ".toml":
		err = toml.Unmarshal(b, &f)
	}
	if err != nil {
		return nil, err
	}
	for i := range f.Rules {
		if f.Rules[i].Name == "" {
			f.Rules[i].Name = fmt.Sprintf("%s:%d", filepath.Base(p), i+1)
		}
	}
	return f.Rules, nil
}
