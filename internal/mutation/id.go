package mutation

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// TempPrefix starts the string form of every temporary identifier.
const TempPrefix = "temp_"

// IDKind tags an identifier as device-minted or server-assigned.
type IDKind uint8

const (
	// KindReal marks an identifier assigned by the remote authority.
	KindReal IDKind = iota + 1
	// KindTemporary marks an identifier minted locally before the CREATE
	// reached the server.
	KindTemporary
)

func (k IDKind) String() string {
	switch k {
	case KindReal:
		return "real"
	case KindTemporary:
		return "temp"
	default:
		return "none"
	}
}

// ID identifies a domain entity. The zero value is "no identifier".
type ID struct {
	kind  IDKind
	value string
}

// Temporary wraps a locally minted identifier.
func Temporary(local string) ID {
	return ID{kind: KindTemporary, value: local}
}

// Real wraps a server-assigned identifier.
func Real(server string) ID {
	return ID{kind: KindReal, value: server}
}

// NewTemporary mints a fresh temporary identifier for entity.
//
// Format: "temp_<entity>_<random>" where random is a dashless UUIDv7.
func NewTemporary(entity Entity) ID {
	random := strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
	return Temporary(TempPrefix + string(entity) + "_" + random)
}

// ParseID interprets a bare string using the temp_ prefix scheme.
// Only use it at input boundaries (CLI flags, legacy data); everything
// inside the engine carries tagged IDs.
func ParseID(s string) ID {
	switch {
	case s == "":
		return ID{}
	case strings.HasPrefix(s, TempPrefix):
		return Temporary(s)
	default:
		return Real(s)
	}
}

// LooksTemporary reports whether s has the temp_<entity>_<random> form of
// a minted temporary id.
func LooksTemporary(s string) bool {
	for _, e := range Entities {
		prefix := TempPrefix + string(e) + "_"
		if len(s) > len(prefix) && strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// Kind returns the identifier's tag.
func (id ID) Kind() IDKind { return id.kind }

// IsTemporary reports whether id was minted locally.
func (id ID) IsTemporary() bool { return id.kind == KindTemporary }

// IsReal reports whether id was assigned by the server.
func (id ID) IsReal() bool { return id.kind == KindReal }

// IsZero reports whether id is unset.
func (id ID) IsZero() bool { return id.kind == 0 && id.value == "" }

// String returns the raw identifier value.
func (id ID) String() string { return id.value }

// Key returns a tag-qualified string suitable for map keys. A real id
// "temp_x" and a temporary id "temp_x" produce different keys.
func (id ID) Key() string {
	return id.kind.String() + ":" + id.value
}

type idJSON struct {
	Temp string `json:"temp,omitempty"`
	Real string `json:"real,omitempty"`
}

// MarshalJSON encodes the tag explicitly: {"temp":"..."} or {"real":"..."}.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case KindTemporary:
		return json.Marshal(idJSON{Temp: id.value})
	case KindReal:
		return json.Marshal(idJSON{Real: id.value})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts the tagged object form. A bare string is accepted
// for records written by older builds and classified with ParseID.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ParseID(s)
		return nil
	}

	var raw idJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	switch {
	case raw.Temp != "" && raw.Real != "":
		return fmt.Errorf("decode id: both temp and real set")
	case raw.Temp != "":
		*id = Temporary(raw.Temp)
	case raw.Real != "":
		*id = Real(raw.Real)
	default:
		*id = ID{}
	}
	return nil
}
