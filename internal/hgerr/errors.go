// Package hgerr defines the error values returned by the revlog engine.
//
// Every error is classified by a Kind so that callers assembling larger
// operations can decide whether to retry, skip the offending revision or
// give up. Errors record the store name and revision that failed whenever
// they are known.
package hgerr

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/javanhut/hgstore/internal/node"
)

// Kind is the class of an error.
type Kind uint8

// Kinds of errors.
const (
	Other                  Kind = iota // Unclassified error. This value is not printed in the error message.
	InvalidRevision                    // Revision index out of range.
	UnknownRevision                    // Revision identifier not present in the store.
	MalformedPatch                     // Patch data does not follow the hunk format.
	IntegrityViolation                 // Reconstructed content does not hash to its identifier.
	ControlFile                        // The backing files could not be read or are not a revlog.
	ConcurrentModification             // The store changed while it was being read.
	IncompleteBundle                   // A bundle references base data that is not available.
	Canceled                           // A bulk operation was canceled by its caller.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case InvalidRevision:
		return "invalid revision"
	case UnknownRevision:
		return "unknown revision"
	case MalformedPatch:
		return "malformed patch"
	case IntegrityViolation:
		return "integrity check failed"
	case ControlFile:
		return "control file error"
	case ConcurrentModification:
		return "concurrent modification"
	case IncompleteBundle:
		return "incomplete bundle"
	case Canceled:
		return "canceled"
	}
	return "unknown error kind"
}

// Rev is a revision index attached to an error. It is a distinct type so
// that E can tell it apart from other integers.
type Rev int

// NoRev marks an error that is not about a particular revision index.
const NoRev Rev = -1

// Store names the revlog (or bundle) an error refers to.
type Store string

// Error is the type that implements the error interface.
// An Error value may leave some values unset.
type Error struct {
	// Op is the operation being performed, such as "reconstruct".
	Op string
	// Store is the name of the revlog involved.
	Store Store
	// Rev is the revision index involved, or NoRev.
	Rev Rev
	// Node is the revision identifier involved, if known.
	Node node.ID
	// Kind is the class of error.
	Kind Kind
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Separator joins nested errors in messages.
var Separator = ": "

// E builds an error value from its arguments. The type of each argument
// determines its meaning:
//
//	string    the operation being performed
//	Store     the store name
//	Rev       the revision index
//	node.ID   the revision identifier
//	Kind      the class of error
//	error     the underlying error
//
// If Kind is not given, it is taken from the underlying error when that is
// also an *Error.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &Error{Rev: NoRev}
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			e.Op = arg
		case Store:
			e.Store = arg
		case Rev:
			e.Rev = arg
		case node.ID:
			e.Node = arg
		case Kind:
			e.Kind = arg
		case *Error:
			cp := *arg
			e.Err = &cp
		case error:
			e.Err = arg
		default:
			return fmt.Errorf("hgerr: unknown type %T, value %v in error call", arg, arg)
		}
	}
	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}
	// Suppress duplicated context in the nested error.
	if prev.Store == e.Store {
		prev.Store = ""
	}
	if prev.Rev == e.Rev {
		prev.Rev = NoRev
	}
	if prev.Node == e.Node {
		prev.Node = node.Null
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	if e.Kind == Other {
		e.Kind = prev.Kind
		prev.Kind = Other
	}
	if e.Rev == NoRev && prev.Rev != NoRev {
		e.Rev, prev.Rev = prev.Rev, NoRev
	}
	if e.Node.IsNull() && !prev.Node.IsNull() {
		e.Node, prev.Node = prev.Node, node.Null
	}
	if e.Store == "" && prev.Store != "" {
		e.Store, prev.Store = prev.Store, ""
	}
	return e
}

func pad(b *bytes.Buffer, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) isZero() bool {
	return e.Op == "" && e.Store == "" && e.Rev == NoRev && e.Node.IsNull() && e.Kind == Other && e.Err == nil
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.Store != "" {
		b.WriteString(string(e.Store))
	}
	if e.Rev != NoRev {
		pad(b, " ")
		fmt.Fprintf(b, "rev %d", e.Rev)
	}
	if !e.Node.IsNull() {
		pad(b, " ")
		fmt.Fprintf(b, "(%s)", e.Node.Short())
	}
	if e.Op != "" {
		pad(b, Separator)
		b.WriteString(e.Op)
	}
	if e.Kind != Other {
		pad(b, Separator)
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if prev, ok := e.Err.(*Error); ok && prev.isZero() {
			return b.String()
		}
		pad(b, Separator)
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf is equivalent to fmt.Errorf, but allows clients to import only
// this package for all error handling.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Is reports whether err is an *Error of the given Kind.
// If err is nil then Is returns false.
func Is(kind Kind, err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		return Is(kind, e.Err)
	}
	return false
}

// IsNotFound reports whether err means a revision index or identifier is
// not present in the store.
func IsNotFound(err error) bool {
	return Is(InvalidRevision, err) || Is(UnknownRevision, err)
}

// IsCorrupt reports whether err means stored data failed validation.
func IsCorrupt(err error) bool {
	return Is(MalformedPatch, err) || Is(IntegrityViolation, err)
}
