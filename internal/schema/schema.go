// Package schema validates mutation payloads against CUE definitions of
// each entity.
//
// Definitions are closed: a payload carrying a field the entity does not
// have is rejected. CREATE payloads must also carry the entity's required
// fields; UPDATE payloads may carry any subset. DELETE, COMPLETE and
// RESTORE payloads are not checked.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/studysync/internal/mutation"
)

//go:embed entities.cue
var entitiesSource string

var definitions = map[mutation.Entity]string{
	mutation.EntityCourse:       "#Course",
	mutation.EntityAssignment:   "#Assignment",
	mutation.EntityLecture:      "#Lecture",
	mutation.EntityStudySession: "#StudySession",
}

// ValidationError describes a rejected payload.
type ValidationError struct {
	Type    mutation.Type
	Entity  mutation.Entity
	Missing []string
	Err     error
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("schema: %s %s: missing required fields: %s", e.Type, e.Entity, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("schema: %s %s: %v", e.Type, e.Entity, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validator checks payloads. Safe for concurrent use.
type Validator struct {
	mu       sync.Mutex
	ctx      *cue.Context
	root     cue.Value
	required map[mutation.Entity][]string
}

// New compiles the embedded definitions.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(entitiesSource, cue.Filename("entities.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("schema: compile definitions: %w", err)
	}

	required := make(map[mutation.Entity][]string, len(definitions))
	for entity, def := range definitions {
		if v := root.LookupPath(cue.ParsePath(def)); !v.Exists() {
			return nil, fmt.Errorf("schema: definition %s missing", def)
		}
		var fields []string
		if err := root.LookupPath(cue.MakePath(cue.Str("required"), cue.Str(string(entity)))).Decode(&fields); err != nil {
			return nil, fmt.Errorf("schema: required fields of %s: %w", entity, err)
		}
		required[entity] = fields
	}

	return &Validator{ctx: ctx, root: root, required: required}, nil
}

// MustNew is New for package-level initialisation; the embedded
// definitions either compile or the binary is broken.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Required returns the fields a CREATE of entity must carry.
func (v *Validator) Required(entity mutation.Entity) []string {
	return append([]string(nil), v.required[entity]...)
}

// Validate checks payload for a mutation of type t on entity.
func (v *Validator) Validate(t mutation.Type, entity mutation.Entity, payload mutation.Payload) error {
	switch t {
	case mutation.TypeCreate, mutation.TypeUpdate:
	default:
		return nil
	}
	def, ok := definitions[entity]
	if !ok {
		return &ValidationError{Type: t, Entity: entity, Err: fmt.Errorf("unknown entity")}
	}

	if t == mutation.TypeCreate {
		var missing []string
		for _, field := range v.required[entity] {
			if val, present := payload[field]; !present || val == nil {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return &ValidationError{Type: t, Entity: entity, Missing: missing}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	data := v.ctx.Encode(map[string]any(payload))
	if err := data.Err(); err != nil {
		return &ValidationError{Type: t, Entity: entity, Err: err}
	}
	unified := v.root.LookupPath(cue.ParsePath(def)).Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Type: t, Entity: entity, Err: err}
	}
	return nil
}
