// Package remote is the boundary to the remote authority.
//
// The authority exposes one RPC per (mutation type, entity) pair, named
// "<type>-<entity>" in lower kebab case: create-assignment, update-course,
// delete-study-session. Every call carries the caller's bearer token and
// returns an envelope {data, error{code, message, current}}. This package
// turns failures into *Error values with an explicit ErrorKind, so nothing
// downstream inspects message strings.
package remote

import (
	"context"
	"strings"

	"github.com/roach88/studysync/internal/mutation"
)

// Authority is the remote service the dispatcher writes to.
type Authority interface {
	// Call executes one mutation RPC.
	Call(ctx context.Context, req Request) (*Response, error)

	// Fetch reads the current server state of one resource.
	Fetch(ctx context.Context, req FetchRequest) (*Response, error)
}

// Request is one mutation RPC.
type Request struct {
	Action string          `json:"-"`
	Type   mutation.Type   `json:"type"`
	Entity mutation.Entity `json:"entity"`

	// ResourceID is the resolved target id. For a CREATE it is the
	// temporary id, sent so the server can deduplicate replays.
	ResourceID string `json:"resourceId"`

	Body        mutation.Payload `json:"body,omitempty"`
	UserID      string           `json:"userId"`
	BaseVersion int64            `json:"baseVersion,omitempty"`

	// IdempotencyKey is the mutation record id.
	IdempotencyKey string `json:"-"`
}

// FetchRequest reads one resource.
type FetchRequest struct {
	Entity     mutation.Entity `json:"entity"`
	ResourceID string          `json:"resourceId"`
	UserID     string          `json:"userId"`
}

// Response is a successful RPC result.
type Response struct {
	// Data is the server's record, when the RPC returns one.
	Data map[string]any `json:"data,omitempty"`

	// ID is data["id"], the server id of the record.
	ID string `json:"id,omitempty"`

	// Version is data["version"], zero when absent.
	Version int64 `json:"version,omitempty"`
}

// NewResponse wraps a server record, lifting id and version.
func NewResponse(data map[string]any) *Response {
	resp := &Response{Data: data}
	if data == nil {
		return resp
	}
	if id, ok := data["id"].(string); ok {
		resp.ID = id
	}
	resp.Version = VersionOf(data)
	return resp
}

// VersionOf extracts record["version"] as an integer. JSON numbers decode as
// float64; integer types are accepted for records built in code.
func VersionOf(record map[string]any) int64 {
	switch v := record["version"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// Action returns the RPC name for a mutation type on an entity.
func Action(t mutation.Type, e mutation.Entity) string {
	return strings.ToLower(string(t)) + "-" + entitySlug(e)
}

// FetchAction returns the RPC name reading one entity.
func FetchAction(e mutation.Entity) string {
	return "get-" + entitySlug(e)
}

func entitySlug(e mutation.Entity) string {
	return strings.ReplaceAll(string(e), "_", "-")
}

// NewRequest builds the RPC for a record whose identifiers have already
// been resolved.
func NewRequest(rec mutation.Record) Request {
	return Request{
		Action:         Action(rec.Type, rec.Entity),
		Type:           rec.Type,
		Entity:         rec.Entity,
		ResourceID:     rec.ResourceID.String(),
		Body:           rec.Payload,
		UserID:         rec.UserID,
		BaseVersion:    rec.BaseVersion,
		IdempotencyKey: rec.ID,
	}
}
