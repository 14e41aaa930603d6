// Package fingerprint derives a stable identity and a change fingerprint for
// each record a collaborator emits.
package fingerprint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/davidahmann/postwatch/core/jcs"
)

// Fields selects which record fields build identity, which are compared for
// change detection, and which carries the priority score.
type Fields struct {
	Identity []string `yaml:"identity_fields" json:"identity_fields"`
	Tracked  []string `yaml:"tracked_fields" json:"tracked_fields"`
	Score    string   `yaml:"score_field" json:"score_field"`
}

// volatileFields change on every scrape and must never feed identity.
var volatileFields = map[string]struct{}{
	"scraped_at": {},
	"fetched_at": {},
	"posted_ago": {},
	"rank":       {},
	"run_id":     {},
}

func DefaultFields() Fields {
	return Fields{
		Identity: []string{"canonical_url", "url", "id"},
		Tracked:  []string{"title", "company", "location", "salary", "score"},
		Score:    "score",
	}
}

func (f Fields) Validate() error {
	if len(f.Identity) == 0 {
		return fmt.Errorf("at least one identity field is required")
	}
	for _, name := range f.Identity {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("identity field names must be non-empty")
		}
		if _, volatile := volatileFields[name]; volatile {
			return fmt.Errorf("identity field %q changes run to run and cannot identify a record", name)
		}
	}
	seen := map[string]struct{}{}
	for _, name := range f.Tracked {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("tracked field names must be non-empty")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("tracked field %q listed twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Record is one tracked item reduced to what diffing needs.
type Record struct {
	Identity    string            `json:"identity"`
	Score       float64           `json:"score"`
	Fingerprint string            `json:"content_fingerprint"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// New builds a Record from one decoded JSON object. Identity is the first
// non-empty identity field in declaration order; URL values are canonicalized.
func New(raw map[string]any, fields Fields) (Record, error) {
	identity := ""
	for _, name := range fields.Identity {
		value, ok := raw[name]
		if !ok || value == nil {
			continue
		}
		text := strings.TrimSpace(scalarString(value))
		if text == "" {
			continue
		}
		identity = canonicalIdentity(text)
		break
	}
	if identity == "" {
		return Record{}, fmt.Errorf("record has none of the identity fields %v", fields.Identity)
	}

	tracked := make(map[string]string, len(fields.Tracked))
	for _, name := range fields.Tracked {
		value, ok := raw[name]
		if !ok {
			continue
		}
		// Wrapped in an object so scalars go through the same JCS number and
		// string normalization as nested values.
		canonical, err := jcs.Marshal(map[string]any{name: value})
		if err != nil {
			return Record{}, fmt.Errorf("canonicalize field %s: %w", name, err)
		}
		tracked[name] = string(canonical)
	}
	digest, err := jcs.DigestValue(tracked)
	if err != nil {
		return Record{}, fmt.Errorf("fingerprint record %s: %w", identity, err)
	}

	return Record{
		Identity:    identity,
		Score:       scoreOf(raw, fields.Score),
		Fingerprint: digest,
		Fields:      tracked,
	}, nil
}

// LoadRecords reads a JSON array of objects or a JSONL file of objects.
func LoadRecords(path string, fields Fields) ([]Record, error) {
	// #nosec G304 -- record files are declared collaborator outputs.
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	records, err := Parse(payload, fields)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// Parse decodes payload as a JSON array or as JSONL.
func Parse(payload []byte, fields Fields) ([]Record, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return []Record{}, nil
	}
	var objects []map[string]any
	if trimmed[0] == '[' {
		decoder := json.NewDecoder(bytes.NewReader(trimmed))
		decoder.UseNumber()
		if err := decoder.Decode(&objects); err != nil {
			return nil, fmt.Errorf("decode record array: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(trimmed))
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 {
				continue
			}
			decoder := json.NewDecoder(bytes.NewReader(text))
			decoder.UseNumber()
			var object map[string]any
			if err := decoder.Decode(&object); err != nil {
				return nil, fmt.Errorf("decode record line %d: %w", line, err)
			}
			objects = append(objects, object)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read records: %w", err)
		}
	}

	records := make([]Record, 0, len(objects))
	for index, object := range objects {
		record, err := New(object, fields)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", index, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// ChangedFields lists the tracked fields whose canonical values differ.
func ChangedFields(previous, current Record) []string {
	names := map[string]struct{}{}
	for name := range previous.Fields {
		names[name] = struct{}{}
	}
	for name := range current.Fields {
		names[name] = struct{}{}
	}
	changed := make([]string, 0)
	for name := range names {
		before, hadBefore := previous.Fields[name]
		after, hasAfter := current.Fields[name]
		if hadBefore != hasAfter || before != after {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func canonicalIdentity(value string) string {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return value
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	query := parsed.Query()
	for key := range query {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			query.Del(key)
		}
	}
	parsed.RawQuery = query.Encode()
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String()
}

func scoreOf(raw map[string]any, field string) float64 {
	if field == "" {
		return 0
	}
	value, ok := raw[field]
	if !ok || value == nil {
		return 0
	}
	var parsed float64
	switch typed := value.(type) {
	case json.Number:
		parsed, _ = typed.Float64()
	case float64:
		parsed = typed
	case int:
		parsed = float64(typed)
	case string:
		parsed, _ = strconv.ParseFloat(strings.TrimSpace(typed), 64)
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0
	}
	return parsed
}

func scalarString(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return ""
	}
}
