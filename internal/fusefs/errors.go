// Package fusefs implements Operations, the FUSE operation surface
// described in spec §4.6: it wires PathCodec, SizeXattr, InodeMap,
// HandleTable, and ConvertMode together into the set of methods the
// dispatch loop in server.go calls for each kernel request.
package fusefs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies why an Operations method failed, centralizing the
// kind-to-errno table spec §7 describes instead of special-casing concrete
// error values at every call site the way the teacher's fs/fs.go does for
// *gcs.PreconditionError.
type Kind int

const (
	KindNotFound Kind = iota
	KindExists
	KindAccess
	KindNotSupp
	KindIO
	KindNoSpc
	KindCodecCorrupt
	KindPersistCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindExists:
		return "Exists"
	case KindAccess:
		return "Access"
	case KindNotSupp:
		return "NotSupp"
	case KindIO:
		return "IO"
	case KindNoSpc:
		return "NoSpc"
	case KindCodecCorrupt:
		return "CodecCorrupt"
	case KindPersistCorrupt:
		return "PersistCorrupt"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type every Operations method returns. The
// dispatch loop consults Errno to answer the kernel; nothing downstream of
// Operations ever inspects Kind directly except tests and logging.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fusefs: %s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("fusefs: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errno maps Kind to the errno the kernel expects in the op's response, per
// spec §7's table. PersistCorrupt, like CodecCorrupt, is answered with EIO.
func (e *Error) Errno() syscall.Errno {
	switch e.Kind {
	case KindNotFound:
		return syscall.ENOENT
	case KindExists:
		return syscall.EEXIST
	case KindAccess:
		return syscall.EACCES
	case KindNotSupp:
		return syscall.ENOSYS
	case KindIO, KindCodecCorrupt:
		return syscall.EIO
	case KindNoSpc:
		return syscall.ENOSPC
	case KindPersistCorrupt:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// newErr wraps cause as a fusefs.Error of the given kind, attributing it to
// op for logging.
func newErr(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// errno translates any error into the syscall.Errno the dispatch loop hands
// back to op.Respond: a *fusefs.Error maps through Errno, a bare
// syscall.Errno passes through unchanged, and anything else is treated as
// an unclassified IO error.
func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Errno()
	}
	var se syscall.Errno
	if errors.As(err, &se) {
		return se
	}
	return syscall.EIO
}
