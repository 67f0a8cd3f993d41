package runner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/mcpcheck/envelope"
)

// ErrInvalidCases marks a case table that cannot be run.
var ErrInvalidCases = errors.New("runner: invalid case table")

// Case is one named tool invocation in a validation table.
type Case struct {
	Name       string
	Invocation envelope.Invocation
}

// NewCase builds a case.
func NewCase(name, tool string, args map[string]any) Case {
	return Case{Name: name, Invocation: envelope.Invocation{Name: tool, Arguments: args}}
}

// Validate rejects empty tables, cases without a name or tool, and
// duplicate case names.
func Validate(cases []Case) error {
	if len(cases) == 0 {
		return fmt.Errorf("%w: no cases", ErrInvalidCases)
	}
	seen := make(map[string]int, len(cases))
	for i, c := range cases {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: case %d has no name", ErrInvalidCases, i)
		}
		if strings.TrimSpace(c.Invocation.Name) == "" {
			return fmt.Errorf("%w: case %q has no tool", ErrInvalidCases, c.Name)
		}
		if prev, ok := seen[c.Name]; ok {
			return fmt.Errorf("%w: case name %q is used by cases %d and %d", ErrInvalidCases, c.Name, prev, i)
		}
		seen[c.Name] = i
	}
	return nil
}

const (
	SuiteRelease = "release"
	SuiteSmoke   = "smoke"
)

// Suites lists the built-in suite names.
func Suites() []string {
	return []string{SuiteRelease, SuiteSmoke}
}

// Suite returns a fresh copy of a built-in case table.
func Suite(name string) ([]Case, error) {
	switch name {
	case "", SuiteRelease:
		return releaseCases(), nil
	case SuiteSmoke:
		return smokeCases(), nil
	default:
		return nil, fmt.Errorf("%w: unknown suite %q (want one of %s)", ErrInvalidCases, name, strings.Join(Suites(), ", "))
	}
}

func releaseCases() []Case {
	return []Case{
		NewCase("search_web_dev_docs", "search_web", map[string]any{
			"query":       "rust async await official docs",
			"max_results": 5,
		}),
		NewCase("search_web_recent_news", "search_web", map[string]any{
			"query":       "AI model release 2026",
			"time_range":  "month",
			"max_results": 5,
		}),
		NewCase("search_structured_market", "search_structured", map[string]any{
			"query":     "Zillow housing market trends",
			"top_n":     2,
			"use_proxy": false,
		}),
		NewCase("scrape_url_docs_json", "scrape_url", map[string]any{
			"url":           "https://doc.rust-lang.org/book/ch01-02-hello-world.html",
			"output_format": "json",
			"max_chars":     8000,
		}),
		NewCase("scrape_url_js_heavy", "scrape_url", map[string]any{
			"url":           "https://news.ycombinator.com/",
			"output_format": "json",
			"max_chars":     8000,
		}),
		NewCase("scrape_batch_multi", "scrape_batch", map[string]any{
			"urls": []any{
				"https://example.com",
				"https://doc.rust-lang.org/book/",
				"https://docs.docker.com/get-started/",
			},
			"max_concurrent": 3,
			"max_chars":      5000,
			"output_format":  "json",
		}),
		NewCase("crawl_website_docs", "crawl_website", map[string]any{
			"url":                "https://doc.rust-lang.org/book/",
			"max_depth":          1,
			"max_pages":          3,
			"max_concurrent":     2,
			"same_domain_only":   true,
			"max_chars_per_page": 3000,
		}),
		NewCase("extract_structured_schema", "extract_structured", map[string]any{
			"url": "https://doc.rust-lang.org/book/ch01-02-hello-world.html",
			"schema": []any{
				map[string]any{"name": "language_name", "description": "Programming language name", "field_type": "string"},
				map[string]any{"name": "main_command", "description": "Main command shown in the page", "field_type": "string"},
				map[string]any{"name": "code_snippets", "description": "Notable code examples", "field_type": "array"},
			},
			"prompt":    "Extract the key learning elements for beginners.",
			"max_chars": 6000,
		}),
		NewCase("research_history_semantic", "research_history", map[string]any{
			"query":      "rust docs hello world",
			"entry_type": "scrape",
			"limit":      5,
			"threshold":  0.5,
		}),
		NewCase("proxy_manager_list", "proxy_manager", map[string]any{
			"action":          "list",
			"limit":           5,
			"show_proxy_type": true,
		}),
		NewCase("proxy_manager_status", "proxy_manager", map[string]any{
			"action": "status",
		}),
		NewCase("proxy_manager_switch", "proxy_manager", map[string]any{
			"action":    "switch",
			"force_new": false,
		}),
		NewCase("proxy_manager_test", "proxy_manager", map[string]any{
			"action":     "test",
			"proxy_url":  "http://43.134.238.25:443",
			"target_url": "https://httpbin.org/ip",
		}),
		NewCase("proxy_manager_grab_sample", "proxy_manager", map[string]any{
			"action":       "grab",
			"limit":        3,
			"proxy_type":   "http",
			"store_ip_txt": false,
			"clear_ip_txt": false,
			"append":       false,
		}),
	}
}

func smokeCases() []Case {
	return []Case{
		NewCase("proxy_manager", "proxy_manager", map[string]any{"action": "status"}),
		NewCase("scrape_url", "scrape_url", map[string]any{
			"url":           "https://example.com",
			"output_format": "text",
			"max_chars":     500,
			"max_links":     3,
		}),
		NewCase("scrape_batch", "scrape_batch", map[string]any{
			"urls":           []any{"https://example.com", "https://example.org"},
			"output_format":  "text",
			"max_chars":      400,
			"max_concurrent": 2,
		}),
		NewCase("extract_structured", "extract_structured", map[string]any{
			"url":       "https://example.com",
			"prompt":    "Extract the page title as JSON with key 'title'.",
			"max_chars": 1000,
		}),
		NewCase("crawl_website", "crawl_website", map[string]any{
			"url":              "https://example.com",
			"max_pages":        2,
			"max_depth":        1,
			"same_domain_only": true,
		}),
		NewCase("research_history", "research_history", map[string]any{
			"query": "example",
			"limit": 2,
		}),
		NewCase("search_structured", "search_structured", map[string]any{
			"query": "example.com",
			"top_n": 2,
		}),
		NewCase("web_search", "web_search", map[string]any{
			"query":       "example.com",
			"max_results": 2,
		}),
	}
}

type caseFile struct {
	Cases []caseEntry `yaml:"cases"`
}

type caseEntry struct {
	Name      string         `yaml:"name"`
	Tool      string         `yaml:"tool"`
	Arguments map[string]any `yaml:"arguments"`
}

// LoadFile reads a YAML or JSON case file of the form
// {cases: [{name, tool, arguments}]} and validates it.
func LoadFile(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runner: reading case file: %w", err)
	}
	cases, err := ParseCases(data)
	if err != nil {
		return nil, fmt.Errorf("runner: case file %s: %w", path, err)
	}
	return cases, nil
}

// ParseCases decodes a case table document. JSON documents parse as YAML.
func ParseCases(data []byte) ([]Case, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var file caseFile
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidCases)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCases, err)
	}

	cases := make([]Case, 0, len(file.Cases))
	for _, entry := range file.Cases {
		cases = append(cases, NewCase(entry.Name, entry.Tool, normalizeYAML(entry.Arguments)))
	}
	if err := Validate(cases); err != nil {
		return nil, err
	}
	return cases, nil
}

// Names returns the case names in table order.
func Names(cases []Case) []string {
	names := make([]string, 0, len(cases))
	for _, c := range cases {
		names = append(names, c.Name)
	}
	return names
}

// Select keeps only the named cases, preserving table order.
func Select(cases []Case, names []string) ([]Case, error) {
	if len(names) == 0 {
		return cases, nil
	}
	known := Names(cases)
	for _, name := range names {
		if !slices.Contains(known, name) {
			return nil, fmt.Errorf("%w: no case named %q", ErrInvalidCases, name)
		}
	}
	out := make([]Case, 0, len(names))
	for _, c := range cases {
		if slices.Contains(names, c.Name) {
			out = append(out, c)
		}
	}
	return out, nil
}

// normalizeYAML converts nested map[any]any nodes, which yaml.v3 produces
// for non-string keys, into JSON-encodable maps.
func normalizeYAML(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = normalizeValue(value)
	}
	return out
}

func normalizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return normalizeYAML(typed)
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			out[fmt.Sprint(key)] = normalizeValue(value)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
