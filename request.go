package fcgikit

import (
	"fmt"
	"time"
)

// Request is the application-facing handle for one FastCGI request. The
// interface produces it once all of the request's input streams have
// completed; the application services it on any goroutine, writes response
// data with Write, and finishes with Complete.
//
// A handle is owned by one goroutine at a time. It can outlive its
// interface: operations on a handle whose interface has been closed report
// the request as aborted instead of touching freed connection state.
type Request struct {
	srv     *Server
	ifaceID uint64
	id      RequestID
	rd      *requestData
	writer  *connWriter

	role     uint16
	keepConn bool
	env      map[string]string
	stdin    []byte
	data     []byte
	start    time.Time

	completed bool
	aborted   bool
}

// ID returns the request's identity.
func (r *Request) ID() RequestID {
	return r.id
}

// Environment returns the decoded FCGI_PARAMS environment.
func (r *Request) Environment() map[string]string {
	return r.env
}

// Stdin returns the request's FCGI_STDIN content.
func (r *Request) Stdin() []byte {
	return r.stdin
}

// Data returns the request's FCGI_DATA content. Only Filter requests
// carry one.
func (r *Request) Data() []byte {
	return r.data
}

// Role returns the FastCGI role of the request.
func (r *Request) Role() uint16 {
	return r.role
}

// KeepConn reports whether the web server asked for the connection to stay
// open after this request completes.
func (r *Request) KeepConn() bool {
	return r.keepConn
}

// AbortStatus reports whether the request should be abandoned: the client
// sent FCGI_ABORT_REQUEST, the interface was closed or went bad, or the
// interface closed the request's connection. In the latter cases the
// handle becomes completed and aborted; when the interface closed the
// connection, the request is also removed from the interface.
func (r *Request) AbortStatus() bool {
	if r.completed {
		return r.aborted
	}
	s := r.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != r.ifaceID || s.bad {
		r.completed, r.aborted = true, true
		return true
	}
	if r.rd.connectionClosedByInterface {
		s.removeRequestLocked(r.id)
		s.wake()
		r.completed, r.aborted = true, true
		return true
	}
	return r.rd.clientAborted
}

// Write sends p on the request's FCGI_STDOUT or FCGI_STDERR stream. It
// returns true when every byte was framed and written. A false return with
// a nil error means completion was forced because the connection was found
// closed or corrupt; the handle is then completed and aborted. Writing an
// empty slice is a no-op: streams are terminated by Complete, not by the
// application.
func (r *Request) Write(recordType byte, p []byte) (bool, error) {
	if recordType != FCGI_STDOUT && recordType != FCGI_STDERR {
		return false, fmt.Errorf("fcgikit: cannot write to record type %d", recordType)
	}
	if r.completed {
		return false, nil
	}
	for len(p) > 0 {
		_, iov, _, consumed := PartitionByteSequence(p, recordType, r.id.FCGIID)
		if ok := r.writePlan(iov); !ok {
			return false, nil
		}
		p = p[consumed:]
	}
	return true, nil
}

// writePlan writes one scatter/gather plan under the connection's write
// mutex, running the corruption protocol when the byte stream can no
// longer be kept record-aligned.
func (r *Request) writePlan(iov [][]byte) bool {
	s := r.srv
	s.mu.Lock()
	alive := s.id == r.ifaceID && !s.bad
	s.mu.Unlock()
	if !alive {
		r.completed, r.aborted = true, true
		return false
	}

	w := r.writer
	w.mu.Lock()
	if w.corrupt {
		w.mu.Unlock()
		r.forceCompletion(false)
		return false
	}
	written, err := writevGather(w.fd, iov, r.srv.writeTimeout)
	if err == nil {
		w.mu.Unlock()
		return true
	}
	// The record may have been cut mid-stream: poison the connection
	// first, then report under the shared-state mutex. The write mutex
	// must not be held while the shared-state mutex is acquired.
	if written > 0 {
		w.corrupt = true
	}
	w.mu.Unlock()
	r.srv.logger.Debugf("request %s: response write failed: %v", r.id, err)
	r.forceCompletion(true)
	return false
}

// forceCompletion marks the handle completed and aborted, removes the
// request from the interface, and, when requestClosure is set, schedules
// closure of the connection and wakes the interface thread.
func (r *Request) forceCompletion(requestClosure bool) {
	s := r.srv
	s.mu.Lock()
	if s.id == r.ifaceID && !s.bad {
		if requestClosure {
			w := r.writer
			w.mu.Lock()
			w.mu.Unlock()
			s.closureRequested[r.id.Conn] = struct{}{}
		}
		s.removeRequestLocked(r.id)
		s.wake()
	}
	s.mu.Unlock()
	r.completed, r.aborted = true, true
}

// Complete terminates the request: an empty FCGI_STDOUT record, an empty
// FCGI_STDERR record, and an FCGI_END_REQUEST record carrying appStatus
// are written as one unit. It returns true on success; any call after
// completion returns false with no effect.
//
// The shared-state mutex is held for the whole terminal write. Releasing
// it between removing the request and writing FCGI_END_REQUEST would let
// the web server reuse the request id while the old request is still
// winding down, creating two live requests with one identity.
func (r *Request) Complete(appStatus int32) (bool, error) {
	if r.completed {
		return false, nil
	}
	s := r.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != r.ifaceID || s.bad {
		r.completed, r.aborted = true, true
		return false, nil
	}
	if r.rd.connectionClosedByInterface {
		s.removeRequestLocked(r.id)
		s.wake()
		r.completed, r.aborted = true, true
		return false, nil
	}

	iov := [][]byte{
		buildRecord(FCGI_STDOUT, r.id.FCGIID, nil),
		buildRecord(FCGI_STDERR, r.id.FCGIID, nil),
		buildEndRequest(r.id.FCGIID, appStatus, FCGI_REQUEST_COMPLETE),
	}

	w := r.writer
	w.mu.Lock()
	if w.corrupt {
		w.mu.Unlock()
		s.removeRequestLocked(r.id)
		s.wake()
		r.completed, r.aborted = true, true
		return false, nil
	}
	written, err := writevGather(w.fd, iov, s.writeTimeout)
	if err != nil {
		if written > 0 {
			w.corrupt = true
		}
		w.mu.Unlock()
		s.logger.Debugf("request %s: terminal write failed: %v", r.id, err)
		s.closureRequested[r.id.Conn] = struct{}{}
		s.removeRequestLocked(r.id)
		s.wake()
		r.completed, r.aborted = true, true
		return false, nil
	}
	w.mu.Unlock()

	s.removeRequestLocked(r.id)
	s.monitor.observeCompletion(r.role, FCGI_REQUEST_COMPLETE, time.Since(r.start).Seconds())
	if !r.keepConn {
		s.closureRequested[r.id.Conn] = struct{}{}
	}
	s.wake()
	r.completed = true
	return true, nil
}

// Discard abandons a handle that will never be completed, removing its
// request from the interface and scheduling connection closure when the
// web server did not ask to keep the connection. Applications must call
// either Complete or Discard for every handle.
func (r *Request) Discard() {
	if r.completed {
		return
	}
	s := r.srv
	s.mu.Lock()
	if s.id == r.ifaceID && !s.bad {
		s.removeRequestLocked(r.id)
		if !r.keepConn && !r.rd.connectionClosedByInterface {
			s.closureRequested[r.id.Conn] = struct{}{}
		}
		s.wake()
	}
	s.mu.Unlock()
	r.completed, r.aborted = true, true
}
