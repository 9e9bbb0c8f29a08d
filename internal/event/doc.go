// Package event defines the immutable change facts a primary node emits.
//
// Every event is exactly one of a closed set of variants. The variant is the
// payload's concrete type; Kind() is the single discriminant stored alongside
// the encoded payload in the event log. There is no way to build an Event that
// references more than one variant.
//
// # Encoding
//
// Payloads are stored as canonical JSON:
//   - No HTML escaping (< > & stay literal)
//   - Strings are NFC normalized, so paths written by different clients compare equal
//   - Field order is the struct declaration order and never changes within a version
//
// Decode dispatches on Kind and rejects unknown kinds rather than guessing.
package event
