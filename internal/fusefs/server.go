package fusefs

import (
	"io"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"

	"github.com/Big-Dig-Data/fuse-zstd/internal/logger"
)

// Server adapts Operations to fuse.Server, dispatching each op read off the
// connection in turn. Unlike fuseutil's fileSystemServer, which spawns
// "go s.handleOp(op)" per request, ServeOps here calls handleOp inline: spec
// requires a single in-flight request at a time, trading concurrency for the
// simplicity of reasoning about InodeMap/HandleTable state without needing
// real locking between requests.
type Server struct {
	ops *Operations
}

// NewServer wraps ops as a fuse.Server.
func NewServer(ops *Operations) *Server {
	return &Server{ops: ops}
}

// ServeOps reads and dispatches ops from c until the connection closes.
func (s *Server) ServeOps(c *fuse.Connection) {
	for {
		op, err := c.ReadOp()
		if err == io.EOF {
			return
		}
		if err != nil {
			logger.Errorf("fusefs: ReadOp: %v", err)
			return
		}

		s.handleOp(op)
	}
}

// handleOp dispatches op to the matching Operations method and responds
// with the errno it maps to. An op type Operations doesn't implement
// answers ENOSYS, mirroring fuseutil's default case.
func (s *Server) handleOp(op fuseops.Op) {
	var err error

	switch typed := op.(type) {
	default:
		op.Respond(fuse.ENOSYS)
		return

	case *fuseops.InitOp:
		// Nothing to negotiate beyond defaults.

	case *fuseops.LookUpInodeOp:
		err = s.ops.LookUpInode(typed)

	case *fuseops.GetInodeAttributesOp:
		err = s.ops.GetInodeAttributes(typed)

	case *fuseops.SetInodeAttributesOp:
		err = s.ops.SetInodeAttributes(typed)

	case *fuseops.ForgetInodeOp:
		err = s.ops.ForgetInode(typed)

	case *fuseops.MkDirOp:
		err = s.ops.MkDir(typed)

	case *fuseops.RmDirOp:
		err = s.ops.RmDir(typed)

	case *fuseops.CreateFileOp:
		err = s.ops.CreateFile(typed)

	case *fuseops.OpenFileOp:
		err = s.ops.OpenFile(typed)

	case *fuseops.ReadFileOp:
		err = s.ops.ReadFile(typed)

	case *fuseops.WriteFileOp:
		err = s.ops.WriteFile(typed)

	case *fuseops.FlushFileOp:
		err = s.ops.FlushFile(typed)

	case *fuseops.SyncFileOp:
		err = s.ops.SyncFile(typed)

	case *fuseops.ReleaseFileHandleOp:
		err = s.ops.ReleaseFileHandle(typed)

	case *fuseops.OpenDirOp:
		err = s.ops.OpenDir(typed)

	case *fuseops.ReadDirOp:
		err = s.ops.ReadDir(typed)

	case *fuseops.ReleaseDirHandleOp:
		err = s.ops.ReleaseDirHandle(typed)

	case *fuseops.UnlinkOp:
		err = s.ops.Unlink(typed)

	case *fuseops.RenameOp:
		err = s.ops.Rename(typed)

	case *fuseops.StatFSOp:
		err = s.ops.StatFS(typed)
	}

	if err == nil {
		op.Respond(nil)
		return
	}
	op.Respond(errno(err))
}
