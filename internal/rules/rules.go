package rules

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	StageRequest  = "request"
	StageResponse = "response"
)

// ErrInvalidRule wraps every validation failure.
var ErrInvalidRule = errors.New("invalid rule")

// Replacement is a literal find/replace applied to a response body.
type Replacement struct {
	Find    string `yaml:"find" json:"find"`
	Replace string `yaml:"replace" json:"replace"`
}

// Rule rewrites requests or responses whose URL matches a glob.
type Rule struct {
	Name          string            `yaml:"name" json:"name"`
	Stage         string            `yaml:"stage" json:"stage" enum:"request,response"`
	URL           string            `yaml:"url" json:"url" doc:"Glob over the full URL; * matches any run, ? one character"`
	Methods       []string          `yaml:"methods,omitempty" json:"methods,omitempty"`
	SetMethod     string            `yaml:"set_method,omitempty" json:"set_method,omitempty"`
	SetURL        string            `yaml:"set_url,omitempty" json:"set_url,omitempty"`
	SetHeaders    map[string]string `yaml:"set_headers,omitempty" json:"set_headers,omitempty"`
	RemoveHeaders []string          `yaml:"remove_headers,omitempty" json:"remove_headers,omitempty"`
	SetBody       string            `yaml:"set_body,omitempty" json:"set_body,omitempty"`
	SetStatus     int               `yaml:"set_status,omitempty" json:"set_status,omitempty"`
	ReplaceBody   []Replacement     `yaml:"replace_body,omitempty" json:"replace_body,omitempty"`
}

// File is the top-level YAML document.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// Parse decodes and validates a rules document.
func Parse(data []byte) ([]Rule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	if err := Validate(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// LoadFile reads and validates a rules file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return Parse(data)
}

// Validate checks every rule and rejects duplicate names.
func Validate(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if err := r.validate(); err != nil {
			return fmt.Errorf("%w: rule[%d] (%s): %v", ErrInvalidRule, i, r.Name, err)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: rule[%d]: duplicate name %q", ErrInvalidRule, i, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("missing name")
	}
	if r.URL == "" {
		return errors.New("missing url")
	}
	for _, m := range r.Methods {
		if !isToken(m) {
			return fmt.Errorf("method %q is not a valid token", m)
		}
	}
	for name := range r.SetHeaders {
		if strings.TrimSpace(name) == "" {
			return errors.New("empty header name in set_headers")
		}
	}

	switch r.Stage {
	case StageRequest:
		if r.SetStatus != 0 || len(r.ReplaceBody) > 0 {
			return errors.New("set_status and replace_body apply to the response stage only")
		}
		if r.SetMethod != "" && !isToken(r.SetMethod) {
			return fmt.Errorf("set_method %q is not a valid token", r.SetMethod)
		}
		if r.SetURL != "" {
			u, err := url.Parse(r.SetURL)
			if err != nil || u.Scheme == "" {
				return fmt.Errorf("set_url %q must be an absolute URL", r.SetURL)
			}
		}
	case StageResponse:
		if r.SetMethod != "" || r.SetURL != "" {
			return errors.New("set_method and set_url apply to the request stage only")
		}
		if r.SetStatus != 0 && (r.SetStatus < 100 || r.SetStatus > 599) {
			return fmt.Errorf("set_status %d is out of range", r.SetStatus)
		}
		for _, rep := range r.ReplaceBody {
			if rep.Find == "" {
				return errors.New("replace_body entry with empty find")
			}
		}
	default:
		return fmt.Errorf("stage must be %q or %q, got %q", StageRequest, StageResponse, r.Stage)
	}
	return nil
}

func isToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\r\n")
}
