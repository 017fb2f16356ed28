// Package repository holds the MySQL backed stores.  The sentinel values
// below let higher layers distinguish failure scenarios without inspecting
// driver errors; each one also carries an apperror kind so the HTTP layer
// can map it directly.
package repository

import "github.com/iliyamo/agent-gateway/internal/apperror"

// ErrNotFound is returned when the requested row does not exist.  Handlers
// translate it into an HTTP 404 response.
var ErrNotFound = apperror.New(apperror.NotFound, "repository", "record not found")

// ErrAlreadyFinal is returned when finalizing an audit record that already
// left the pending state.  Audit records are written exactly once.
var ErrAlreadyFinal = apperror.New(apperror.Storage, "repository", "audit record already finalized")
