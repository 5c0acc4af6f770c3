package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

var (
	// ErrAbsent reports that a state key is not present.
	ErrAbsent = errors.New("domain: state key absent")
	// ErrCorrupt reports that a state key holds a value of the wrong shape.
	// Callers treat corrupt values exactly like absent ones.
	ErrCorrupt = errors.New("domain: state value corrupt")
)

var stateKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,127}$`)

// ValidStateKey reports whether key may be stored in a state document.
func ValidStateKey(key string) bool {
	return stateKeyPattern.MatchString(key)
}

// StateDocument is the per-actor semi-structured record. Each key holds one
// JSON value; keys are independent of each other.
type StateDocument map[string]json.RawMessage

// Has reports whether key is present, regardless of its shape.
func (d StateDocument) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Clone returns a deep copy of d.
func (d StateDocument) Clone() StateDocument {
	out := make(StateDocument, len(d))
	for k, v := range d {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Time decodes key as an RFC3339 timestamp.
func (d StateDocument) Time(key string) (time.Time, bool) {
	ts, err := Lookup[time.Time](d, key)
	if err != nil || ts.IsZero() {
		return time.Time{}, false
	}
	return ts, true
}

// Apply returns a copy of d with p applied. Stores that cannot patch
// server-side use it to compute the new document.
func (d StateDocument) Apply(p *Patch) StateDocument {
	out := d.Clone()
	if p == nil {
		return out
	}
	for _, k := range p.Deletes() {
		delete(out, k)
	}
	for k, v := range p.Sets() {
		out[k] = v
	}
	return out
}

type validator interface {
	Validate() error
}

// Lookup decodes the value stored under key into T. It returns ErrAbsent when
// the key is missing and an error wrapping ErrCorrupt when the value cannot be
// decoded or fails validation.
func Lookup[T any](d StateDocument, key string) (T, error) {
	var out T
	raw, ok := d[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return out, ErrAbsent
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	if v, ok := any(&out).(validator); ok {
		if err := v.Validate(); err != nil {
			return out, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
		}
	}
	return out, nil
}

// Patch names the individual keys a mutation sets or deletes. It cannot
// express replacing a whole document.
type Patch struct {
	sets    map[string]json.RawMessage
	deletes map[string]struct{}
	err     error
}

// NewPatch returns an empty patch.
func NewPatch() *Patch {
	return &Patch{}
}

// Set records key = v. The value is encoded as JSON immediately; encoding
// errors surface through Err.
func (p *Patch) Set(key string, v any) *Patch {
	if !ValidStateKey(key) {
		p.fail(fmt.Errorf("domain: invalid state key %q", key))
		return p
	}
	raw, err := json.Marshal(v)
	if err != nil {
		p.fail(fmt.Errorf("domain: encode state key %q: %w", key, err))
		return p
	}
	if p.sets == nil {
		p.sets = make(map[string]json.RawMessage)
	}
	p.sets[key] = raw
	delete(p.deletes, key)
	return p
}

// SetTime records key as a UTC timestamp.
func (p *Patch) SetTime(key string, t time.Time) *Patch {
	return p.Set(key, t.UTC())
}

// Delete records the removal of key.
func (p *Patch) Delete(key string) *Patch {
	if !ValidStateKey(key) {
		p.fail(fmt.Errorf("domain: invalid state key %q", key))
		return p
	}
	if p.deletes == nil {
		p.deletes = make(map[string]struct{})
	}
	p.deletes[key] = struct{}{}
	delete(p.sets, key)
	return p
}

func (p *Patch) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

// Err returns the first error recorded while building the patch.
func (p *Patch) Err() error {
	if p == nil {
		return nil
	}
	return p.err
}

// Empty reports whether the patch changes nothing.
func (p *Patch) Empty() bool {
	return p == nil || (len(p.sets) == 0 && len(p.deletes) == 0)
}

// Sets returns a copy of the keys the patch writes.
func (p *Patch) Sets() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	if p == nil {
		return out
	}
	for k, v := range p.sets {
		out[k] = v
	}
	return out
}

// Deletes returns the keys the patch removes, sorted.
func (p *Patch) Deletes() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.deletes))
	for k := range p.deletes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Keys returns every key the patch touches, sorted.
func (p *Patch) Keys() []string {
	out := p.Deletes()
	for k := range p.Sets() {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
