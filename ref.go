package cloudzip

import (
	"fmt"
	"net/url"
	"strings"
)

// Scheme is the URI scheme for archive references.
const Scheme = "zip"

// Ref addresses an archive in a cloud object store: an account, a container
// (bucket) within it, and optionally the archive object itself. An empty
// Object selects a container-level listing.
type Ref struct {
	Account   string
	Container string
	Object    string
}

// ParseRef parses a reference of the form
// zip://account/container[/object]. Container and object names are
// validated; query and fragment parts are rejected so credentials cannot
// ride along in a reference.
func ParseRef(s string) (Ref, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return Ref{}, fmt.Errorf("%w: scheme %q, want %q", ErrInvalidRef, u.Scheme, Scheme)
	}
	if u.Host == "" {
		return Ref{}, fmt.Errorf("%w: missing account", ErrInvalidRef)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return Ref{}, fmt.Errorf("%w: query and fragment are not allowed", ErrInvalidRef)
	}

	container, object, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if container == "" {
		return Ref{}, fmt.Errorf("%w: missing container", ErrInvalidRef)
	}
	if err := ValidateContainer(container); err != nil {
		return Ref{}, err
	}
	if object != "" {
		if err := ValidateObject(object); err != nil {
			return Ref{}, err
		}
	}

	return Ref{Account: u.Host, Container: container, Object: object}, nil
}

// String renders the reference back into URI form.
func (r Ref) String() string {
	s := Scheme + "://" + r.Account + "/" + r.Container
	if r.Object != "" {
		s += "/" + r.Object
	}
	return s
}

// Equal compares references. Container names are case-insensitive, matching
// the store's semantics; account and object names are not.
func (r Ref) Equal(other Ref) bool {
	return r.Account == other.Account &&
		strings.EqualFold(r.Container, other.Container) &&
		r.Object == other.Object
}

// ValidateContainer checks a container name: 6 to 50 characters of letters,
// digits, and "-", with the reserved "b2-" prefix rejected.
func ValidateContainer(name string) error {
	if len(name) < 6 || len(name) > 50 {
		return fmt.Errorf("%w: container name %q must be 6-50 characters", ErrInvalidRef, name)
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "b2-") {
		return fmt.Errorf("%w: container name %q uses a reserved prefix", ErrInvalidRef, name)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return fmt.Errorf("%w: container name %q contains %q", ErrInvalidRef, name, c)
		}
	}
	return nil
}

// ValidateObject checks an object name: non-empty, at most 1024 UTF-8
// bytes, with no control characters.
func ValidateObject(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty object name", ErrInvalidRef)
	}
	if len(name) > 1024 {
		return fmt.Errorf("%w: object name exceeds 1024 bytes", ErrInvalidRef)
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7F {
			return fmt.Errorf("%w: object name contains control character %#x", ErrInvalidRef, c)
		}
	}
	return nil
}
