// Package validate checks and normalises student identities against the
// class roster.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"proctord/internal/security"
)

// Name limits, in runes.
const (
	MinNameLength = 2
	MaxNameLength = 50
	MinPartLength = 2
)

// Kind classifies a rejection.
type Kind string

const (
	KindInvalidClass      Kind = "invalid_class"
	KindInvalidStudent    Kind = "invalid_student"
	KindStudentNotInClass Kind = "student_not_in_class"
)

var (
	ErrInvalidClass      = errors.New("validate: invalid class")
	ErrInvalidStudent    = errors.New("validate: invalid student name")
	ErrStudentNotInClass = errors.New("validate: student not in class")
	ErrDuplicate         = errors.New("validate: already exists")
	ErrNotFound          = errors.New("validate: not found")
)

// Error is a rejection with a message suitable for the student.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Unwrap maps the kind to its sentinel.
func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindInvalidClass:
		return ErrInvalidClass
	case KindStudentNotInClass:
		return ErrStudentNotInClass
	default:
		return ErrInvalidStudent
	}
}

// Identity is an accepted, normalised student.
type Identity struct {
	Name  string
	Class string
}

// Key is the lookup key for open sessions.
func (id Identity) Key() string {
	return NormalizeName(id.Name) + "|" + id.Class
}

// Roster lists the accepted classes and, optionally, their students.
// A class without a student list accepts any well-formed name.
type Roster struct {
	ValidClasses []string            `json:"validClasses" yaml:"validClasses"`
	Students     map[string][]string `json:"students" yaml:"students"`
}

func (r Roster) clone() Roster {
	c := Roster{
		ValidClasses: slices.Clone(r.ValidClasses),
		Students:     make(map[string][]string, len(r.Students)),
	}
	for k, v := range r.Students {
		c.Students[k] = slices.Clone(v)
	}
	return c
}

// Stats summarises a roster.
type Stats struct {
	TotalClasses  int            `json:"totalClasses"`
	TotalStudents int            `json:"totalStudents"`
	ClassSizes    map[string]int `json:"classSizes"`
}

// ImportReport is the outcome of ValidateImport.
type ImportReport struct {
	Errors   []string
	Warnings []string
}

// Valid reports whether the import has no errors.
func (r ImportReport) Valid() bool { return len(r.Errors) == 0 }

// Validator checks identities against a roster. With no classes
// configured every class is accepted.
type Validator struct {
	mu     sync.RWMutex
	roster Roster
	path   string
	input  *security.InputValidator
}

// New creates a validator over roster.
func New(roster Roster) *Validator {
	input := security.DefaultInputValidator()
	input.MaxLength = 4 * MaxNameLength
	v := &Validator{
		roster: roster.clone(),
		input:  input,
	}
	v.normalizeLocked()
	return v
}

// Open loads a roster file (JSON or YAML by extension). Mutations are
// written back to the same file. A missing file yields an empty roster.
func Open(path string) (*Validator, error) {
	var roster Roster
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read roster: %w", err)
	default:
		if err := decodeRoster(path, data, &roster); err != nil {
			return nil, err
		}
	}
	v := New(roster)
	v.path = path
	return v, nil
}

func decodeRoster(path string, data []byte, r *Roster) error {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, r); err != nil {
			return fmt.Errorf("decode roster YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, r); err != nil {
			return fmt.Errorf("decode roster JSON: %w", err)
		}
	}
	return nil
}

func (v *Validator) normalizeLocked() {
	for i, c := range v.roster.ValidClasses {
		v.roster.ValidClasses[i] = NormalizeClass(c)
	}
	if v.roster.Students == nil {
		v.roster.Students = map[string][]string{}
	}
	students := make(map[string][]string, len(v.roster.Students))
	for c, names := range v.roster.Students {
		students[NormalizeClass(c)] = names
	}
	v.roster.Students = students
}

// Validate checks name and class and returns the cleaned identity.
func (v *Validator) Validate(name, class string) (Identity, error) {
	if err := v.input.Validate(name); err != nil {
		return Identity{}, &Error{Kind: KindInvalidStudent, Message: "Name contains invalid characters"}
	}
	if err := v.input.Validate(class); err != nil {
		return Identity{}, &Error{Kind: KindInvalidClass, Message: "Class contains invalid characters"}
	}

	class = NormalizeClass(class)

	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.classAllowedLocked(class) {
		return Identity{}, &Error{
			Kind:    KindInvalidClass,
			Message: fmt.Sprintf("Class %q is not valid. Valid classes: %s", class, strings.Join(v.roster.ValidClasses, ", ")),
		}
	}
	if !ValidName(name) {
		return Identity{}, &Error{
			Kind:    KindInvalidStudent,
			Message: "Name must contain a first and a last name made of letters only",
		}
	}

	id := Identity{Name: CleanName(name), Class: class}
	if roster := v.roster.Students[class]; len(roster) > 0 && !containsName(roster, id.Name) {
		return Identity{}, &Error{
			Kind:    KindStudentNotInClass,
			Message: fmt.Sprintf("Student %q is not registered in class %q", id.Name, class),
		}
	}
	return id, nil
}

func (v *Validator) classAllowedLocked(class string) bool {
	if class == "" {
		return false
	}
	return len(v.roster.ValidClasses) == 0 || slices.Contains(v.roster.ValidClasses, class)
}

func containsName(names []string, name string) bool {
	key := NormalizeName(name)
	for _, n := range names {
		if NormalizeName(n) == key {
			return true
		}
	}
	return false
}

// Classes returns the accepted classes.
func (v *Validator) Classes() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.roster.ValidClasses)
}

// ClassStudents returns the registered students of class.
func (v *Validator) ClassStudents(class string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.roster.Students[NormalizeClass(class)])
}

// Roster returns a copy of the roster.
func (v *Validator) Roster() Roster {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.roster.clone()
}

// Stats summarises the roster.
func (v *Validator) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := Stats{TotalClasses: len(v.roster.ValidClasses), ClassSizes: map[string]int{}}
	for _, c := range v.roster.ValidClasses {
		n := len(v.roster.Students[c])
		s.ClassSizes[c] = n
		s.TotalStudents += n
	}
	return s
}

// AddClass registers a new class.
func (v *Validator) AddClass(class string) error {
	class = NormalizeClass(class)
	if class == "" {
		return ErrInvalidClass
	}
	return v.mutate(func(r *Roster) error {
		if slices.Contains(r.ValidClasses, class) {
			return fmt.Errorf("class %s: %w", class, ErrDuplicate)
		}
		r.ValidClasses = append(r.ValidClasses, class)
		r.Students[class] = []string{}
		return nil
	})
}

// RemoveClass drops a class and its students.
func (v *Validator) RemoveClass(class string) error {
	class = NormalizeClass(class)
	return v.mutate(func(r *Roster) error {
		i := slices.Index(r.ValidClasses, class)
		if i < 0 {
			return fmt.Errorf("class %s: %w", class, ErrNotFound)
		}
		r.ValidClasses = slices.Delete(r.ValidClasses, i, i+1)
		delete(r.Students, class)
		return nil
	})
}

// AddStudent registers name in class.
func (v *Validator) AddStudent(name, class string) error {
	class = NormalizeClass(class)
	if !ValidName(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidStudent)
	}
	clean := CleanName(name)
	return v.mutate(func(r *Roster) error {
		if !slices.Contains(r.ValidClasses, class) {
			return fmt.Errorf("class %s: %w", class, ErrInvalidClass)
		}
		if containsName(r.Students[class], clean) {
			return fmt.Errorf("student %s in %s: %w", clean, class, ErrDuplicate)
		}
		r.Students[class] = append(r.Students[class], clean)
		return nil
	})
}

// RemoveStudent unregisters name from class.
func (v *Validator) RemoveStudent(name, class string) error {
	class = NormalizeClass(class)
	key := NormalizeName(name)
	return v.mutate(func(r *Roster) error {
		names, ok := r.Students[class]
		if !ok {
			return fmt.Errorf("class %s: %w", class, ErrNotFound)
		}
		i := slices.IndexFunc(names, func(n string) bool { return NormalizeName(n) == key })
		if i < 0 {
			return fmt.Errorf("student %s in %s: %w", name, class, ErrNotFound)
		}
		r.Students[class] = slices.Delete(names, i, i+1)
		return nil
	})
}

// Import replaces the roster after ValidateImport accepts it.
func (v *Validator) Import(r Roster) (ImportReport, error) {
	report := ValidateImport(r)
	if !report.Valid() {
		return report, fmt.Errorf("import validation failed: %s", strings.Join(report.Errors, ", "))
	}
	err := v.mutate(func(cur *Roster) error {
		*cur = r.clone()
		return nil
	})
	return report, err
}

// mutate applies fn to a copy and commits it once persisted.
func (v *Validator) mutate(fn func(*Roster) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := v.roster.clone()
	if err := fn(&next); err != nil {
		return err
	}
	prev := v.roster
	v.roster = next
	v.normalizeLocked()
	if err := v.saveLocked(); err != nil {
		v.roster = prev
		return err
	}
	return nil
}

func (v *Validator) saveLocked() error {
	if v.path == "" {
		return nil
	}
	var data []byte
	var err error
	switch filepath.Ext(v.path) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(v.roster)
	default:
		data, err = json.MarshalIndent(v.roster, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode roster: %w", err)
	}
	return security.WriteFileAtomic(v.path, data, security.PermSecretFile)
}

// ValidateImport checks a roster before it replaces the current one.
func ValidateImport(r Roster) ImportReport {
	var rep ImportReport
	if len(r.ValidClasses) == 0 {
		rep.Errors = append(rep.Errors, "missing or empty validClasses")
		return rep
	}
	classes := slices.Clone(r.ValidClasses)
	sort.Strings(classes)
	for _, class := range classes {
		if strings.TrimSpace(class) == "" {
			rep.Errors = append(rep.Errors, fmt.Sprintf("invalid class name %q", class))
			continue
		}
		students, ok := r.Students[class]
		if !ok {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("class %s has no students list", class))
			continue
		}
		for _, s := range students {
			if !ValidName(s) {
				rep.Errors = append(rep.Errors, fmt.Sprintf("invalid student name %q in class %s", s, class))
			}
		}
	}
	return rep
}

// ValidName reports whether name is a well-formed full name: at least two
// words of letters (hyphens allowed inside a word), each at least two
// letters long, within the overall length limits.
func ValidName(name string) bool {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < MinNameLength || n > MaxNameLength {
		return false
	}
	parts := strings.Fields(name)
	if len(parts) < 2 {
		return false
	}
	for _, part := range parts {
		if utf8.RuneCountInString(part) < MinPartLength {
			return false
		}
		if strings.HasPrefix(part, "-") || strings.HasSuffix(part, "-") || strings.Contains(part, "--") {
			return false
		}
		for _, r := range part {
			if r != '-' && !unicode.IsLetter(r) {
				return false
			}
		}
	}
	return true
}

// CleanName collapses whitespace and title-cases every word and every
// hyphenated segment.
func CleanName(name string) string {
	parts := strings.Fields(name)
	for i, part := range parts {
		segs := strings.Split(part, "-")
		for j, seg := range segs {
			segs[j] = titleWord(seg)
		}
		parts[i] = strings.Join(segs, "-")
	}
	return strings.Join(parts, " ")
}

func titleWord(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	if r == utf8.RuneError {
		return w
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
}

// NormalizeName is the case- and spacing-insensitive comparison form.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// NormalizeClass trims and upper-cases a class name.
func NormalizeClass(class string) string {
	return strings.ToUpper(strings.TrimSpace(class))
}
