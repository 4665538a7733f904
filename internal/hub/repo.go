// Package hub implements the persistence strategies for filter banks.
//
// Two qfilter.Persister implementations are provided:
//   - LocalStore keeps repositories in a directory tree, one directory per
//     namespace/name/revision.
//   - Client talks to a hub server over HTTP, downloading into a local cache
//     with SHA-256 validation and uploading with a bearer token.
//
// Both report transport and storage failures as qfilter.ErrPersistence and
// undecodable content as qfilter.ErrCorruptSnapshot.
package hub

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/tsingmao/qfilter/internal/qfilter"
)

// DefaultRevision is used when no revision is configured.
const DefaultRevision = "main"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,95}$`)

// RepoID identifies a hub repository.
type RepoID struct {
	Namespace string
	Name      string
}

// String returns "namespace/name".
func (r RepoID) String() string {
	return r.Namespace + "/" + r.Name
}

// ParseRepoID parses "namespace/name". Both parts must be non-empty and use
// only letters, digits, '.', '_' and '-'; ".." is rejected so that IDs are
// safe to use as path components.
func ParseRepoID(s string) (RepoID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return RepoID{}, fmt.Errorf("%w: repository id %q must be of the form namespace/name",
			qfilter.ErrPersistence, s)
	}
	for _, p := range parts {
		if !validComponent(p) {
			return RepoID{}, fmt.Errorf("%w: invalid repository id component %q",
				qfilter.ErrPersistence, p)
		}
	}
	return RepoID{Namespace: parts[0], Name: parts[1]}, nil
}

// ValidRevision reports whether rev is usable as a revision name.
func ValidRevision(rev string) bool {
	return validComponent(rev)
}

// ValidSession reports whether id is usable as a staging session id.
func ValidSession(id string) bool {
	return validComponent(id)
}

// NewSessionID returns a random staging session id.
func NewSessionID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("hub: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func validComponent(s string) bool {
	return namePattern.MatchString(s) && !strings.Contains(s, "..")
}

func persistence(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", qfilter.ErrPersistence, fmt.Sprintf(format, args...))
}
