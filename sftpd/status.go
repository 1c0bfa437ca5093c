package sftpd

import (
	"github.com/schlep/schlep/errs"
	"github.com/schlep/schlep/sandbox"
)

// eofStatus is a sentinel passed to writeStatus to produce SSH_FX_EOF
// rather than classifying through errs.KindOf.
type eofStatus struct{}

func (*eofStatus) Error() string { return "eof" }

// invalidHandleStatus reports an unknown or stale handle id. SFTP v3 has no
// dedicated INVALID_HANDLE status (that arrived in v4); the pkg/sftp
// vendored server (the grounding for this wire engine) reports this case
// as SSH_FX_FAILURE, not SSH_FX_BAD_MESSAGE, since the handle string itself
// decoded fine — it just doesn't name anything live.
type invalidHandleStatus struct{}

func (*invalidHandleStatus) Error() string { return "invalid handle" }

// writeStatus encodes err as an SFTP v3 STATUS reply, mapping errs.Kind
// onto wire status codes per the table in spec.md §7. writeStatusUnlocked
// is the same encoding, named separately only to make call sites that run
// under a held handle lock self-documenting.
func writeStatus(c *conn, id uint32, err error) {
	code, msg := statusFor(err)
	if code != statusOK && code != statusEOF && c.metrics != nil {
		c.metrics.SFTPRequestError.WithLabelValues(errs.KindOf(err).String()).Inc()
	}
	var w byteWriter
	w.putUint32(id)
	w.putUint32(code)
	w.putStr(msg)
	w.putStr("en")
	c.send(typeStatus, w.buf)
}

func writeStatusUnlocked(c *conn, id uint32, err error) {
	writeStatus(c, id, err)
}

func statusFor(err error) (uint32, string) {
	if err == nil {
		return statusOK, ""
	}
	if _, ok := err.(*eofStatus); ok {
		return statusEOF, "end of file"
	}
	if _, ok := err.(*invalidHandleStatus); ok {
		return statusFailure, "invalid handle"
	}
	switch errs.KindOf(err) {
	case errs.NotFound:
		return statusNoSuchFile, err.Error()
	case errs.PermissionDenied:
		return statusPermissionDenied, err.Error()
	case errs.InvalidInput:
		return statusBadMessage, err.Error()
	case errs.Unsupported:
		return statusOpUnsupported, err.Error()
	default:
		return statusFailure, err.Error()
	}
}

func writeAttrsReply(c *conn, id uint32, info sandbox.FileInfo) {
	var w byteWriter
	w.putUint32(id)
	putFileAttrs(&w, info.Size, info.Mode, info.ModTime, info.IsDir)
	c.send(typeAttrs, w.buf)
}

func writeAttrsReplyUnlocked(c *conn, id uint32, info sandbox.FileInfo) {
	writeAttrsReply(c, id, info)
}
