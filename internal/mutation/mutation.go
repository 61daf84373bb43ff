package mutation

import (
	"fmt"
	"strings"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// Type is the kind of write a mutation performs.
type Type string

const (
	TypeCreate   Type = "CREATE"
	TypeUpdate   Type = "UPDATE"
	TypeDelete   Type = "DELETE"
	TypeComplete Type = "COMPLETE"
	TypeRestore  Type = "RESTORE"
)

// Types lists every mutation type in declaration order.
var Types = []Type{TypeCreate, TypeUpdate, TypeDelete, TypeComplete, TypeRestore}

// Valid reports whether t is a known mutation type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// ParseType accepts any casing ("create", "CREATE").
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown mutation type %q", s)
	}
	return t, nil
}

// Entity is the domain entity tag a mutation targets.
type Entity string

const (
	EntityCourse       Entity = "course"
	EntityAssignment   Entity = "assignment"
	EntityLecture      Entity = "lecture"
	EntityStudySession Entity = "study_session"
)

// Entities lists every entity tag.
var Entities = []Entity{EntityCourse, EntityAssignment, EntityLecture, EntityStudySession}

// Valid reports whether e is a known entity tag.
func (e Entity) Valid() bool {
	for _, known := range Entities {
		if e == known {
			return true
		}
	}
	return false
}

// ParseEntity accepts the tag with either '_' or '-' separators.
func ParseEntity(s string) (Entity, error) {
	e := Entity(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !e.Valid() {
		return "", fmt.Errorf("unknown entity %q", s)
	}
	return e, nil
}

// Status tracks where a record is in its dispatch lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "in-flight"
	StatusFailed     Status = "failed"
	StatusConflicted Status = "conflicted"

	// StatusRejected is a permanent failure: a non-retryable response or an
	// exhausted retry budget. The record stays queued until the user retries
	// or discards it.
	StatusRejected Status = "rejected"

	// StatusAbandoned marks a conflict that could not be reapplied on top of
	// the server state. Surfaced to the user, never dropped.
	StatusAbandoned Status = "abandoned"
)

// Active reports whether records in this status take part in drain cycles.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusFailed, StatusConflicted:
		return true
	default:
		return false
	}
}

// Surfaced reports whether the status waits on a user decision.
func (s Status) Surfaced() bool {
	return s == StatusRejected || s == StatusAbandoned
}

// Failure is the diagnostic left on a record by its last failed attempt.
type Failure struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Payload is an entity-specific field map. Values are JSON-compatible;
// temporary references use the TempRef form.
type Payload map[string]any

// Record is one queued mutation.
type Record struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Entity      Entity    `json:"entity"`
	ResourceID  ID        `json:"resourceId"`
	Payload     Payload   `json:"payload,omitempty"`
	UserID      string    `json:"userId"`
	CreatedAt   time.Time `json:"createdAt"`
	Seq         int64     `json:"seq"`
	BaseVersion int64     `json:"baseVersion,omitempty"`
	Attempts    int       `json:"attempts"`
	Status      Status    `json:"status"`
	LastError   *Failure  `json:"lastError,omitempty"`
}

// ResourceKey identifies the record's target for per-resource ordering.
func (r Record) ResourceKey() string {
	return string(r.Entity) + "/" + r.ResourceID.Key()
}

// Validate checks the structural invariants every queued record must hold.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("mutation id is required")
	case !r.Type.Valid():
		return fmt.Errorf("mutation %s: unknown type %q", r.ID, r.Type)
	case !r.Entity.Valid():
		return fmt.Errorf("mutation %s: unknown entity %q", r.ID, r.Entity)
	case r.UserID == "":
		return fmt.Errorf("mutation %s: user id is required", r.ID)
	case r.ResourceID.IsZero():
		return fmt.Errorf("mutation %s: resource id is required", r.ID)
	case r.Type == TypeCreate && !r.ResourceID.IsTemporary():
		return fmt.Errorf("mutation %s: CREATE must target a temporary id", r.ID)
	}
	return nil
}

// Clone returns a deep copy, so rewrites never alias the caller's payload.
func (r Record) Clone() Record {
	out := r
	if r.Payload != nil {
		out.Payload = ClonePayload(r.Payload)
	}
	if r.LastError != nil {
		f := *r.LastError
		out.LastError = &f
	}
	return out
}

// ClonePayload deep-copies a payload.
func ClonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	var out Payload
	if err := deepcopy.Copy(&out, p); err != nil {
		// Payloads are plain JSON trees; a copy failure means a caller put
		// something exotic in. Fall back to a shallow copy.
		out = make(Payload, len(p))
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}

// Patch is a partial update of a record's mutable fields.
type Patch struct {
	Attempts   *int
	Status     *Status
	LastError  *Failure
	ClearError bool
}

// SetStatus starts a patch that moves the record to s.
func SetStatus(s Status) Patch {
	return Patch{Status: &s}
}

// WithAttempts adds an attempts value to the patch.
func (p Patch) WithAttempts(n int) Patch {
	p.Attempts = &n
	return p
}

// WithError records f as the last failure.
func (p Patch) WithError(f Failure) Patch {
	p.LastError = &f
	p.ClearError = false
	return p
}

// WithoutError clears any recorded failure.
func (p Patch) WithoutError() Patch {
	p.LastError = nil
	p.ClearError = true
	return p
}

// Apply writes the patch onto r.
func (p Patch) Apply(r *Record) {
	if p.Attempts != nil {
		r.Attempts = *p.Attempts
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.ClearError {
		r.LastError = nil
	}
	if p.LastError != nil {
		f := *p.LastError
		r.LastError = &f
	}
}
