// Package mutation defines the unit of queued offline work.
//
// A Record captures one user intent (create, update, delete, complete or
// restore of a course, assignment, lecture or study session) together with
// its dispatch bookkeeping. Records are immutable once enqueued except for
// Attempts, Status and LastError; the target identifier and temporary
// references inside the payload are rewritten exactly once, when the
// temporary identifier they point at is resolved to a server identifier.
//
// # Identifiers
//
// Resource identifiers are tagged: an ID is either Temporary (minted on the
// device before the server has seen the entity) or Real (assigned by the
// server). Code matches on the tag, never on the string form. The string
// form of a temporary id follows the documented scheme
//
//	temp_<entity>_<random>
//
// and ParseID is the single place where that prefix is interpreted.
//
// Inside payloads a temporary reference is stored as the object
//
//	{"$temp": "temp_course_..."}
//
// so a real id that happens to start with "temp_" is never mistaken for one.
package mutation
