// Package materials implements the file-based material library: TOML
// collections of keyword payloads with provenance metadata that can be
// listed, exported and unit-converted into single .k documents.
package materials

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/BurntSushi/toml"

	"kunit/internal/convert"
	"kunit/internal/engine"
	"kunit/internal/fixed"
	"kunit/internal/units"
)

// Section is one keyword payload of a material, either the material
// model itself or its equation of state.
type Section struct {
	Kind    string `json:"kind"`
	Model   string `json:"model"`
	Units   string `json:"units"`
	Payload string `json:"payload"`
}

// Doc returns the section payload terminated by a newline, ready for
// concatenation into a .k document.
func (s Section) Doc() string {
	if strings.HasSuffix(s.Payload, "\n") {
		return s.Payload
	}
	return s.Payload + "\n"
}

// Record is one material entry of a library file.
type Record struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Model     string         `json:"model"`
	Units     string         `json:"units"`
	Payload   string         `json:"payload"`
	Models    []string       `json:"models"`
	Reference string         `json:"reference,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Source    string         `json:"source,omitempty"`
	Sections  []Section      `json:"sections,omitempty"`
}

// Material returns the material section, falling back to the first
// section when none is marked as such.
func (r Record) Material() Section {
	for _, s := range r.Sections {
		if s.Kind == "material" {
			return s
		}
	}
	return r.Sections[0]
}

// EOS returns the equation-of-state section, if the record has one.
func (r Record) EOS() (Section, bool) {
	for _, s := range r.Sections {
		if s.Kind == "eos" {
			return s, true
		}
	}
	return Section{}, false
}

// Doc returns the .k text of all sections of the record.
func (r Record) Doc() string {
	var b strings.Builder
	for _, s := range r.Sections {
		b.WriteString(s.Doc())
	}
	return b.String()
}

// Store reads material library files from a directory. Files are
// authored locally as TOML collections, e.g.
//
//	[[materials]]
//	id = "steel-1"
//	name = "Steel #1"
//	model = "mat-jc"
//	units = "mm-mg-us"
//	text = "*MAT..."
//	reference = "https://example.com/ref"
//	comment = "Short note about provenance"
type Store struct {
	root string
}

// NewStore creates a store over the given directory. The directory
// does not have to exist; a missing one reads as an empty library.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// List loads every material from the store's *.toml files in
// lexical file order.
func (st *Store) List() ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(st.root, "*.toml"))
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, path := range paths {
		recs, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

// ExportAll returns the whole library as one .k document.
func (st *Store) ExportAll() (string, error) {
	records, err := st.List()
	if err != nil {
		return "", err
	}
	return Export(records), nil
}

func loadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Materials []map[string]any `toml:"materials"`
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	records := make([]Record, 0, len(file.Materials))
	for _, raw := range file.Materials {
		rec, err := normalizeRecord(raw, path)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func normalizeRecord(raw map[string]any, path string) (Record, error) {
	id := coerceString(raw["id"])
	if id == "" {
		id = coerceString(raw["name"])
	}
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	name := strings.TrimSpace(coerceString(raw["name"]))
	if name == "" {
		name = id
	}

	reference, err := optionalString(raw, "reference", id)
	if err != nil {
		return Record{}, err
	}
	comment, err := optionalString(raw, "comment", id)
	if err != nil {
		return Record{}, err
	}
	tags, err := parseTags(raw["tags"], id)
	if err != nil {
		return Record{}, err
	}
	meta, _ := raw["meta"].(map[string]any)

	var sections []Section
	for _, kind := range []string{"material", "eos"} {
		v, ok := raw[kind]
		if !ok || v == nil {
			continue
		}
		table, ok := v.(map[string]any)
		if !ok {
			return Record{}, fmt.Errorf("section %q of material %q in %s must be a table", kind, id, path)
		}
		sec, err := normalizeSection(table, kind, path)
		if err != nil {
			return Record{}, err
		}
		sections = append(sections, sec)
	}
	if len(sections) == 0 {
		sec, err := normalizeSection(raw, "material", path)
		if err != nil {
			return Record{}, err
		}
		sections = append(sections, sec)
	}

	first := sections[0]

	models, err := parseModels(raw["models"], id)
	if err != nil {
		return Record{}, err
	}
	if len(models) == 0 {
		models = []string{first.Model}
	}

	var payloads []string
	for _, sec := range sections {
		payloads = append(payloads, sec.Payload)
	}
	for _, m := range detectModels(strings.Join(payloads, "\n")) {
		if !containsString(models, m) {
			models = append(models, m)
		}
	}
	if !containsString(models, first.Model) {
		models = append([]string{first.Model}, models...)
	}
	for _, m := range models {
		if _, ok := engine.Default().Get(m); !ok {
			return Record{}, fmt.Errorf("%w %q for material %q in %s, known: %s",
				engine.ErrUnknownModel, m, id, path, knownModels())
		}
	}

	return Record{
		ID:        id,
		Name:      name,
		Model:     first.Model,
		Units:     first.Units,
		Payload:   first.Payload,
		Models:    models,
		Reference: reference,
		Comment:   comment,
		Tags:      tags,
		Meta:      meta,
		Source:    path,
		Sections:  sections,
	}, nil
}

func normalizeSection(table map[string]any, kind, path string) (Section, error) {
	model := strings.TrimSpace(coerceString(table["model"]))
	if _, ok := engine.Default().Get(model); !ok {
		return Section{}, fmt.Errorf("%w %q for section %q in %s, known: %s",
			engine.ErrUnknownModel, model, kind, path, knownModels())
	}

	unitsKey := strings.TrimSpace(coerceString(table["units"]))
	if _, err := units.Lookup(unitsKey); err != nil {
		return Section{}, fmt.Errorf("section %q in %s: %w", kind, path, err)
	}

	payload, _ := table["payload"].(string)
	if payload == "" {
		payload, _ = table["text"].(string)
	}
	if strings.TrimSpace(payload) == "" {
		return Section{}, fmt.Errorf("section %q in %s must include payload text", kind, path)
	}

	return Section{Kind: kind, Model: model, Units: unitsKey, Payload: payload}, nil
}

// detectModels returns the ordered unique models whose keyword prefix
// matches a keyword line of the payload.
func detectModels(payload string) []string {
	specs := engine.Default().All()
	var found []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(payload, "\n") {
		s := lstrip(line)
		if !strings.HasPrefix(s, "*") {
			continue
		}
		upper := strings.ToUpper(s)
		for _, spec := range specs {
			if strings.HasPrefix(upper, strings.ToUpper(spec.Prefix)) {
				if !seen[spec.Name] {
					found = append(found, spec.Name)
					seen[spec.Name] = true
				}
				break
			}
		}
	}
	return found
}

// Export concatenates the materials into one .k document, renumbering
// material and EOS identifiers to each record's 1-based position.
func Export(records []Record) string {
	var b strings.Builder
	for i, rec := range records {
		text := rec.Doc()
		for _, spec := range identifierSpecs(rec) {
			if idFields := identifierFields(spec); len(idFields) > 0 {
				text = rewriteIdentifiers(text, spec, idFields, i+1)
			}
		}
		b.WriteString(text)
	}
	return b.String()
}

// Convert converts each material from its own units to dstUnits and
// renumbers identifiers the same way Export does.
func Convert(records []Record, dstUnits string) (string, error) {
	var b strings.Builder
	for i, rec := range records {
		models := rec.Models
		if len(models) == 0 {
			models = []string{rec.Model}
		}
		converted, err := convert.ConvertText(rec.Doc(), rec.Units, dstUnits, strings.Join(models, ","), nil)
		if err != nil {
			return "", fmt.Errorf("material %q: %w", rec.ID, err)
		}
		if !strings.HasSuffix(converted, "\n") {
			converted += "\n"
		}
		for _, spec := range identifierSpecs(rec) {
			if idFields := identifierFields(spec); len(idFields) > 0 {
				converted = rewriteIdentifiers(converted, spec, idFields, i+1)
			}
		}
		b.WriteString(converted)
	}
	return b.String(), nil
}

// identifierSpecs returns the specs whose blocks may carry this
// record's identifiers, section models first, in declaration order.
func identifierSpecs(rec Record) []*engine.KeywordSpec {
	var names []string
	for _, sec := range rec.Sections {
		names = append(names, sec.Model)
	}
	names = append(names, rec.Models...)

	var specs []*engine.KeywordSpec
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if spec, ok := engine.Default().Get(name); ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

func identifierFields(spec *engine.KeywordSpec) map[string]bool {
	idFields := make(map[string]bool)
	for _, card := range spec.Cards {
		for _, name := range card {
			if name == "mid" || name == "eosid" {
				idFields[name] = true
			}
		}
	}
	return idFields
}

// rewriteIdentifiers renumbers the identifier fields of every block of
// text matching the spec's prefix.
func rewriteIdentifiers(text string, spec *engine.KeywordSpec, idFields map[string]bool, newID int) string {
	lines := splitKeepEnds(text)
	prefix := strings.ToUpper(spec.Prefix)

	var out []string
	i := 0
	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(strings.ToUpper(lstrip(line)), prefix) {
			out = append(out, line)
			i++
			continue
		}
		block := []string{line}
		i++
		for i < len(lines) && !strings.HasPrefix(lstrip(lines[i]), "*") {
			block = append(block, lines[i])
			i++
		}
		out = append(out, rewriteBlock(block, spec, idFields, newID)...)
	}

	joined := strings.Join(out, "")
	if !strings.HasSuffix(joined, "\n") {
		joined += "\n"
	}
	return joined
}

func rewriteBlock(block []string, spec *engine.KeywordSpec, idFields map[string]bool, newID int) []string {
	dataIdx := engine.DataLineIndexes(block, len(spec.Cards))
	if len(dataIdx) == 0 {
		return block
	}

	out := make([]string, len(block))
	copy(out, block)

	for k, lineIdx := range dataIdx {
		if k >= len(spec.Cards) {
			break
		}
		card := spec.Cards[k]
		if !cardHasAny(card, idFields) {
			continue
		}
		fields := fixed.SplitFixed(block[lineIdx])
		renumbered := make([]string, 0, len(card))
		for j, name := range card {
			if idFields[name] {
				renumbered = append(renumbered, fixed.FormatField(float64(newID)))
			} else {
				renumbered = append(renumbered, strings.TrimSpace(fields[j]))
			}
		}
		out[lineIdx] = fixed.JoinFixed(renumbered)
	}
	return out
}

func cardHasAny(card []string, names map[string]bool) bool {
	for _, name := range card {
		if names[name] {
			return true
		}
	}
	return false
}

func splitKeepEnds(text string) []string {
	lines := strings.SplitAfter(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func lstrip(s string) string {
	return strings.TrimLeftFunc(s, unicode.IsSpace)
}

func knownModels() string {
	names := engine.Default().Names()
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func coerceString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func optionalString(raw map[string]any, key, id string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s for material %q must be a string", key, id)
	}
	return s, nil
}

func parseTags(v any, id string) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return splitTrim(x), nil
	case []any:
		var tags []string
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("each tag for material %q must be a string", id)
			}
			if s = strings.TrimSpace(s); s != "" {
				tags = append(tags, s)
			}
		}
		return tags, nil
	default:
		return nil, fmt.Errorf("tags for material %q must be a list of strings or a comma-separated string", id)
	}
}

func parseModels(v any, id string) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return splitTrim(x), nil
	case []any:
		var models []string
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("each model for material %q must be a string", id)
			}
			if s = strings.TrimSpace(s); s != "" {
				models = append(models, s)
			}
		}
		return models, nil
	default:
		return nil, fmt.Errorf("models for material %q must be a list or a comma-separated string", id)
	}
}

func splitTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
