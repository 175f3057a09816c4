// Package identity resolves who is operating the CLI. The resolved owner is
// recorded as team owner and task creator.
package identity

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Owner identifies the human operating the tool.
type Owner struct {
	Name   string `yaml:"name"`
	Email  string `yaml:"email"`
	Source string `yaml:"source,omitempty"` // "git", "env" or "cached"
}

// UserID returns a stable short identifier: the name, or the local part of
// the email, or "default".
func (o Owner) UserID() string {
	if o.Name != "" {
		return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(o.Name), " ", "_"))
	}
	if idx := strings.Index(o.Email, "@"); idx > 0 {
		return strings.ToLower(o.Email[:idx])
	}
	return "default"
}

func ownerPath(home string) string {
	return filepath.Join(home, "owner.yaml")
}

// Resolve returns the cached owner from <home>/owner.yaml, or detects one
// from git config / $USER and caches it.
func Resolve(home string) (Owner, error) {
	if o, ok, err := load(home); err != nil {
		return Owner{}, err
	} else if ok {
		o.Source = "cached"
		return o, nil
	}

	o := detect()
	if err := save(home, o); err != nil {
		return Owner{}, err
	}
	return o, nil
}

func detect() Owner {
	var o Owner
	if name, err := gitConfig("user.name"); err == nil && name != "" {
		o.Name = name
		o.Source = "git"
	}
	if email, err := gitConfig("user.email"); err == nil && email != "" {
		o.Email = email
		o.Source = "git"
	}
	if o.Name == "" && o.Email == "" {
		o.Name = os.Getenv("USER")
		o.Source = "env"
	}
	return o
}

func gitConfig(key string) (string, error) {
	out, err := exec.Command("git", "config", "--get", key).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func load(home string) (Owner, bool, error) {
	data, err := os.ReadFile(ownerPath(home))
	if err != nil {
		if os.IsNotExist(err) {
			return Owner{}, false, nil
		}
		return Owner{}, false, err
	}
	var o Owner
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Owner{}, false, err
	}
	return o, true, nil
}

func save(home string, o Owner) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(o)
	if err != nil {
		return err
	}
	return os.WriteFile(ownerPath(home), data, 0o644)
}
