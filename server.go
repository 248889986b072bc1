package fcgikit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// AppStatusFailure is the application status reported for requests the
// interface terminates on the application's behalf.
const AppStatusFailure int32 = 1

var (
	ErrInterfaceConflict = errors.New("fcgikit: another server interface is live in this process")
	ErrInterfaceClosed   = errors.New("fcgikit: server interface has been closed")
	ErrBadInterface      = errors.New("fcgikit: server interface is in a bad state")
)

// interfaceRegistry enforces that at most one server interface is live per
// process and hands out the monotone identifiers which let surviving
// request handles detect interface destruction.
var interfaceRegistry struct {
	mu      sync.Mutex
	counter uint64
	live    uint64
}

// ServerConfig carries the construction parameters of a Server.
type ServerConfig struct {
	// MaxConnections bounds the number of simultaneously connected
	// sockets. Must be at least 1.
	MaxConnections int

	// MaxRequestsPerConnection bounds the number of simultaneously
	// active requests per connection. Must be at least 1; a value of 1
	// disables request multiplexing.
	MaxRequestsPerConnection int

	// AppStatusOnAbort is the application status reported when the
	// interface completes a request the application never saw. Zero
	// selects AppStatusFailure.
	AppStatusOnAbort int32

	// BlockingWriteTimeout bounds a single blocked write to a client.
	// Zero selects five minutes.
	BlockingWriteTimeout time.Duration
}

// DefaultServerConfig returns the configuration used when the embedder has
// no opinion.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections:           10,
		MaxRequestsPerConnection: 10,
		AppStatusOnAbort:         AppStatusFailure,
		BlockingWriteTimeout:     300 * time.Second,
	}
}

// connState is the interface thread's private view of one connection: its
// record parser and read bookkeeping. Everything shared with request
// handles lives elsewhere, under the shared-state mutex.
type connState struct {
	fd     int
	parser *recordParser
}

// Server is the application side of the FastCGI protocol: it accepts
// connections from web servers, demultiplexes their record streams, and
// emits Request handles for completed requests.
//
// AcceptRequests must be called from a single goroutine, the interface
// thread. Request handles may be serviced concurrently with it and with
// each other.
type Server struct {
	listenFD     int
	family       int
	maxConns     int
	maxReqsConn  int
	abortStatus  int32
	writeTimeout time.Duration
	authorized   map[netip.Addr]struct{}

	selfPipeRead  int
	selfPipeWrite int

	logger  *log.Logger
	monitor *Monitor

	// Interface-thread private state.
	conns         map[int]*connState
	completedPass []RequestID
	readBuf       [8192]byte

	// Shared state, guarded by mu. Request handles reach into this
	// section from worker goroutines; mu is always acquired before any
	// connection's write mutex.
	mu                sync.Mutex
	id                uint64
	bad               bool
	overloaded        bool
	requests          map[RequestID]*requestData
	requestCounts     map[int]int
	writers           map[int]*connWriter
	closureRequested  map[int]struct{}
	peerClosedPending map[int]struct{}
}

// NewServer configures a server interface over an already listening stream
// socket. The descriptor is made non-blocking and stays owned by the
// caller. At most one interface may be live per process.
func NewServer(listenFD int, config ServerConfig, logger *log.Logger, monitor *Monitor) (*Server, error) {
	if config.MaxConnections < 1 {
		return nil, fmt.Errorf("fcgikit: max connections must be at least 1, got %d", config.MaxConnections)
	}
	if config.MaxRequestsPerConnection < 1 {
		return nil, fmt.Errorf("fcgikit: max requests per connection must be at least 1, got %d", config.MaxRequestsPerConnection)
	}
	if config.AppStatusOnAbort == 0 {
		config.AppStatusOnAbort = AppStatusFailure
	}
	if config.BlockingWriteTimeout == 0 {
		config.BlockingWriteTimeout = 300 * time.Second
	}

	accepting, err := unix.GetsockoptInt(listenFD, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil {
		return nil, fmt.Errorf("could not inspect listening socket: %w", err)
	}
	sockType, err := unix.GetsockoptInt(listenFD, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, fmt.Errorf("could not inspect listening socket: %w", err)
	}
	if accepting == 0 || sockType != unix.SOCK_STREAM {
		return nil, fmt.Errorf("fcgikit: descriptor %d is not a listening stream socket", listenFD)
	}
	if err := unix.SetNonblock(listenFD, true); err != nil {
		return nil, fmt.Errorf("could not make listening socket non-blocking: %w", err)
	}

	boundAddr, err := unix.Getsockname(listenFD)
	if err != nil {
		return nil, fmt.Errorf("could not read listening socket address: %w", err)
	}
	family, err := sockaddrFamily(boundAddr)
	if err != nil {
		return nil, err
	}

	var authorized map[netip.Addr]struct{}
	if family == unix.AF_INET || family == unix.AF_INET6 {
		authorized, err = loadAuthorizedAddresses(family)
		if err != nil {
			return nil, err
		}
	}

	pipeFDs := make([]int, 2)
	if err := unix.Pipe2(pipeFDs, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("could not create self-pipe: %w", err)
	}

	interfaceRegistry.mu.Lock()
	if interfaceRegistry.live != 0 {
		interfaceRegistry.mu.Unlock()
		_ = unix.Close(pipeFDs[0])
		_ = unix.Close(pipeFDs[1])
		return nil, ErrInterfaceConflict
	}
	interfaceRegistry.counter++
	id := interfaceRegistry.counter
	interfaceRegistry.live = id
	interfaceRegistry.mu.Unlock()

	s := &Server{
		listenFD:     listenFD,
		family:       family,
		maxConns:     config.MaxConnections,
		maxReqsConn:  config.MaxRequestsPerConnection,
		abortStatus:  config.AppStatusOnAbort,
		writeTimeout: config.BlockingWriteTimeout,
		authorized:   authorized,

		selfPipeRead:  pipeFDs[0],
		selfPipeWrite: pipeFDs[1],

		logger:  logger,
		monitor: monitor,

		conns: make(map[int]*connState),

		id:                id,
		requests:          make(map[RequestID]*requestData),
		requestCounts:     make(map[int]int),
		writers:           make(map[int]*connWriter),
		closureRequested:  make(map[int]struct{}),
		peerClosedPending: make(map[int]struct{}),
	}

	logger.Debugf("Server interface %d listening on descriptor %d (max connections %d, max requests per connection %d)",
		id, listenFD, s.maxConns, s.maxReqsConn)

	return s, nil
}

// InterfaceStatus reports whether the interface can still maintain its
// invariants. A false return means every surviving request handle is
// aborted and the interface must be closed.
func (s *Server) InterfaceStatus() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.bad && s.id != 0
}

// ConnectionCount returns the number of connected sockets currently
// tracked, including connections awaiting deferred closure.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requestCounts)
}

// GetOverload returns the overload flag.
func (s *Server) GetOverload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overloaded
}

// SetOverload sets the overload flag. While set, new connections and new
// requests are refused.
func (s *Server) SetOverload(overloaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overloaded = overloaded
}

// AcceptRequests performs one pass of the accept/demultiplex loop and
// returns the batch of requests which became complete during it. The batch
// may be empty. It blocks in select until the listening socket, a
// connection, or the self-pipe becomes readable.
func (s *Server) AcceptRequests() ([]*Request, error) {
	s.mu.Lock()
	if s.bad {
		s.mu.Unlock()
		return nil, ErrBadInterface
	}
	if s.id == 0 {
		s.mu.Unlock()
		return nil, ErrInterfaceClosed
	}
	s.housekeepingLocked()
	s.mu.Unlock()

	s.completedPass = s.completedPass[:0]

	readable, acceptReady, err := s.waitReadable()
	if err != nil {
		return nil, err
	}
	for _, fd := range readable {
		s.readConnection(fd)
	}
	if acceptReady {
		s.acceptConnections()
	}

	return s.emitRequests(), nil
}

// housekeepingLocked services the connection-closure sets: descriptors the
// application asked to close and descriptors whose peer closed while
// requests were still assigned. A descriptor is closed once no assigned
// requests remain on it.
func (s *Server) housekeepingLocked() {
	for _, set := range []map[int]struct{}{s.closureRequested, s.peerClosedPending} {
		for fd := range set {
			if s.assignedCountLocked(fd) > 0 {
				continue
			}
			s.closeConnectionLocked(fd)
		}
	}
}

func (s *Server) assignedCountLocked(fd int) int {
	count := 0
	for id, rd := range s.requests {
		if id.Conn == fd && rd.status == statusAssigned {
			count++
		}
	}
	return count
}

// closeConnectionLocked closes fd and erases every per-connection map
// entry, dropping any requests which were never assigned.
func (s *Server) closeConnectionLocked(fd int) {
	for id := range s.requests {
		if id.Conn == fd {
			delete(s.requests, id)
		}
	}
	delete(s.requestCounts, fd)
	delete(s.writers, fd)
	delete(s.closureRequested, fd)
	delete(s.peerClosedPending, fd)
	delete(s.conns, fd)
	if err := unix.Close(fd); err != nil {
		s.logger.Errorf("could not close connection %d: %v", fd, err)
	}
	s.logger.Debugf("closed connection %d", fd)
}

// waitReadable selects over the listening socket, the self-pipe, and every
// connected socket. It returns the readable connections and whether the
// listening socket is ready.
func (s *Server) waitReadable() ([]int, bool, error) {
	for {
		var readSet unix.FdSet
		readSet.Zero()
		readSet.Set(s.listenFD)
		readSet.Set(s.selfPipeRead)
		nfds := s.listenFD
		if s.selfPipeRead > nfds {
			nfds = s.selfPipeRead
		}
		fds := make([]int, 0, len(s.conns))
		for fd := range s.conns {
			readSet.Set(fd)
			fds = append(fds, fd)
			if fd > nfds {
				nfds = fd
			}
		}
		sort.Ints(fds)

		if _, err := unix.Select(nfds+1, &readSet, nil, nil, nil); err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, false, fmt.Errorf("select failed: %w", err)
		}

		if readSet.IsSet(s.selfPipeRead) {
			s.drainSelfPipe()
		}
		readable := fds[:0]
		for _, fd := range fds {
			if readSet.IsSet(fd) {
				readable = append(readable, fd)
			}
		}
		return readable, readSet.IsSet(s.listenFD), nil
	}
}

func (s *Server) drainSelfPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.selfPipeRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// wake writes one byte to the self-pipe so the interface thread observes a
// shared-state change before its next select returns. A full pipe already
// carries a pending wakeup. Any other failure is unrecoverable: the
// interface could deadlock in select.
func (s *Server) wake() {
	_, err := unix.Write(s.selfPipeWrite, []byte{0})
	if err != nil && err != unix.EAGAIN {
		s.logger.Fatalf("could not write to the interface self-pipe: %v", err)
	}
}

// readConnection drains fd, feeding the bytes through the connection's
// record parser, until the read would block, the peer closes, or the read
// fails.
func (s *Server) readConnection(fd int) {
	conn := s.conns[fd]
	if conn == nil {
		return
	}
	for {
		n, err := unix.Read(fd, s.readBuf[:])
		if n > 0 {
			conn.parser.feed(s.readBuf[:n])
			continue
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err == nil:
			// EOF.
			s.peerClosed(fd)
			return
		default:
			s.logger.Debugf("read on connection %d failed: %v", fd, err)
			s.peerClosed(fd)
			return
		}
	}
}

// peerClosed routes a connection through the peer-closure path: pending
// requests die with the connection, assigned requests observe the closure
// through their abort status, and the descriptor itself stays open until
// housekeeping finds no assigned requests on it.
func (s *Server) peerClosed(fd int) {
	delete(s.conns, fd)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rd := range s.requests {
		if id.Conn != fd {
			continue
		}
		if rd.status == statusAssigned {
			rd.connectionClosedByInterface = true
		} else {
			delete(s.requests, id)
			s.requestCounts[fd]--
		}
	}
	s.peerClosedPending[fd] = struct{}{}
}

// acceptConnections accepts every pending incoming connection, applying
// the connection limit, the overload flag, and address authorization.
func (s *Server) acceptConnections() {
	for {
		fd, sa, err := unix.Accept(s.listenFD)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.ECONNABORTED {
			return
		}
		if err != nil {
			s.logger.Errorf("accept failed: %v", err)
			return
		}
		if !s.admitConnection(fd, sa) {
			s.monitor.observeAccept(false)
			_ = unix.Close(fd)
			continue
		}
		s.monitor.observeAccept(true)
	}
}

func (s *Server) admitConnection(fd int, sa unix.Sockaddr) bool {
	s.mu.Lock()
	atCapacity := len(s.requestCounts) >= s.maxConns || s.overloaded
	s.mu.Unlock()
	if atCapacity {
		s.logger.Debugf("rejecting connection %d: connection limit reached or interface overloaded", fd)
		return false
	}

	family, err := sockaddrFamily(sa)
	if err != nil || family != s.family {
		s.logger.Debugf("rejecting connection %d: address family mismatch", fd)
		return false
	}
	sockType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil || sockType != unix.SOCK_STREAM {
		s.logger.Debugf("rejecting connection %d: not a stream socket", fd)
		return false
	}
	if s.authorized != nil {
		peer, ok := peerAddress(sa)
		if !ok {
			return false
		}
		if _, ok := s.authorized[peer]; !ok {
			s.logger.WithFields(log.Fields{"peer": peer.String()}).Info("rejected unauthorized web server connection")
			return false
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		s.logger.Errorf("could not make connection %d non-blocking: %v", fd, err)
		return false
	}

	conn := &connState{fd: fd}
	conn.parser = newRecordParser(
		func(hdr RecordHeader) bool { return s.classifyRecord(fd, hdr) },
		func(hdr RecordHeader, content []byte) { s.applyRecord(fd, hdr, content) },
	)
	s.conns[fd] = conn

	s.mu.Lock()
	s.requestCounts[fd] = 0
	s.writers[fd] = &connWriter{fd: fd}
	s.mu.Unlock()

	s.logger.Debugf("accepted connection %d", fd)
	return true
}

// classifyRecord validates a record on header completion. A false return
// consumes the record without applying it.
func (s *Server) classifyRecord(fd int, hdr RecordHeader) bool {
	if hdr.Version != FCGI_VERSION {
		return false
	}
	id := RequestID{Conn: fd, FCGIID: hdr.RequestID}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch hdr.Type {
	case FCGI_BEGIN_REQUEST:
		if hdr.RequestID == 0 {
			return false
		}
		_, exists := s.requests[id]
		return !exists
	case FCGI_ABORT_REQUEST:
		if hdr.RequestID == 0 {
			return false
		}
		rd, exists := s.requests[id]
		return exists && !rd.clientAborted
	case FCGI_PARAMS, FCGI_STDIN, FCGI_DATA:
		rd, exists := s.requests[id]
		return exists && !rd.streamComplete(hdr.Type)
	case FCGI_GET_VALUES:
		return hdr.RequestID == 0
	case FCGI_END_REQUEST, FCGI_STDOUT, FCGI_STDERR, FCGI_GET_VALUES_RESULT, FCGI_UNKNOWN_TYPE:
		// Never sent to the application side of the protocol.
		return false
	default:
		// An unrecognized type is serviced as a management record.
		return hdr.RequestID == 0
	}
}

// applyRecord updates interface state with a validated, complete record.
func (s *Server) applyRecord(fd int, hdr RecordHeader, content []byte) {
	s.monitor.observeRecord(hdr.Type)
	id := RequestID{Conn: fd, FCGIID: hdr.RequestID}

	switch hdr.Type {
	case FCGI_BEGIN_REQUEST:
		s.beginRequest(id, content)
	case FCGI_ABORT_REQUEST:
		s.abortRequest(id)
	case FCGI_PARAMS, FCGI_STDIN, FCGI_DATA:
		s.streamRecord(id, hdr.Type, content)
	case FCGI_GET_VALUES:
		s.getValues(fd, content)
	default:
		s.unknownManagementType(fd, hdr.Type)
	}
}

func (s *Server) beginRequest(id RequestID, content []byte) {
	if len(content) != 8 {
		return
	}
	role := binary.BigEndian.Uint16(content[0:2])
	keepConn := content[2]&FCGI_FLAG_KEEP_ALIVE != 0

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case role != FCGI_RESPONDER && role != FCGI_AUTHORIZER && role != FCGI_FILTER:
		s.sendEndRequestLocked(id, s.abortStatus, FCGI_UNKNOWN_ROLE)
	case s.maxReqsConn == 1 && s.requestCounts[id.Conn] >= 1:
		s.sendEndRequestLocked(id, s.abortStatus, FCGI_CANT_MPX_CONN)
	case s.requestCounts[id.Conn] >= s.maxReqsConn || s.overloaded:
		s.sendEndRequestLocked(id, s.abortStatus, FCGI_OVERLOADED)
	default:
		s.requests[id] = newRequestData(role, keepConn)
		s.requestCounts[id.Conn]++
	}
}

func (s *Server) abortRequest(id RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rd := s.requests[id]
	if rd == nil {
		return
	}
	if rd.status == statusAssigned {
		rd.clientAborted = true
		return
	}
	s.sendEndRequestLocked(id, s.abortStatus, FCGI_REQUEST_COMPLETE)
	s.removeRequestLocked(id)
	if !rd.keepConn {
		s.closureRequested[id.Conn] = struct{}{}
	}
}

func (s *Server) streamRecord(id RequestID, recordType byte, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rd := s.requests[id]
	if rd == nil {
		return
	}
	rd.appendStream(recordType, content)
	if len(content) > 0 {
		return
	}
	complete, ok := rd.checkComplete()
	switch {
	case !complete:
	case ok:
		s.completedPass = append(s.completedPass, id)
	default:
		s.logger.Debugf("request %s: malformed params stream", id)
		s.sendEndRequestLocked(id, AppStatusFailure, FCGI_REQUEST_COMPLETE)
		s.removeRequestLocked(id)
		if !rd.keepConn {
			s.closureRequested[id.Conn] = struct{}{}
		}
	}
}

// getValues answers an FCGI_GET_VALUES management record with a single
// FCGI_GET_VALUES_RESULT record holding the recognized variables.
func (s *Server) getValues(fd int, content []byte) {
	names, _, err := extractOrderedNames(content)
	if err != nil && !errors.Is(err, ErrDuplicateName) {
		s.logger.Debugf("ignoring malformed FCGI_GET_VALUES record on connection %d: %v", fd, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	multiplexes := "0"
	if s.maxReqsConn > 1 {
		multiplexes = "1"
	}
	seen := make(map[string]bool)
	var result []NameValuePair
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case FCGI_MAX_CONNS:
			result = append(result, NameValuePair{[]byte(name), []byte(strconv.Itoa(s.maxConns))})
		case FCGI_MAX_REQS:
			result = append(result, NameValuePair{[]byte(name), []byte(strconv.Itoa(s.maxReqsConn))})
		case FCGI_MPXS_CONNS:
			result = append(result, NameValuePair{[]byte(name), []byte(multiplexes)})
		}
	}
	payload, err := EncodeNameValueStream(result)
	if err != nil || len(payload) > FCGI_MAX_CONTENT_LEN {
		s.logger.Errorf("could not encode FCGI_GET_VALUES_RESULT for connection %d", fd)
		return
	}
	s.sendRecordLocked(fd, buildRecord(FCGI_GET_VALUES_RESULT, 0, payload))
}

func (s *Server) unknownManagementType(fd int, recordType byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendRecordLocked(fd, buildUnknownType(recordType))
}

// sendEndRequestLocked synthesizes an FCGI_END_REQUEST record on the
// interface's own behalf. Shared-state mutex held by the caller.
func (s *Server) sendEndRequestLocked(id RequestID, appStatus int32, protocolStatus byte) {
	s.sendRecordLocked(id.Conn, buildEndRequest(id.FCGIID, appStatus, protocolStatus))
}

// sendRecordLocked writes one complete record to fd under the connection's
// write mutex. A partial write corrupts the connection and schedules its
// closure. Shared-state mutex held by the caller.
func (s *Server) sendRecordLocked(fd int, record []byte) {
	writer := s.writers[fd]
	if writer == nil {
		// Records are only applied for connections the interface
		// installed, so a missing writer is a broken invariant.
		s.markBadLocked(fmt.Sprintf("no write mutex for connection %d", fd))
		return
	}
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if writer.corrupt {
		return
	}
	written, err := writevGather(fd, [][]byte{record}, s.writeTimeout)
	if err == nil {
		return
	}
	if written > 0 {
		writer.corrupt = true
	}
	s.logger.Debugf("write on connection %d failed: %v", fd, err)
	s.closureRequested[fd] = struct{}{}
}

// markBadLocked records that a shared-state invariant could not be
// maintained. Shared-state mutators check the flag on entry, so the
// interface degrades to refusing work while surviving handles observe the
// state and abort. The interface thread is woken so a blocked
// AcceptRequests call surfaces ErrBadInterface instead of sleeping on a
// broken interface. Shared-state mutex held by the caller.
func (s *Server) markBadLocked(reason string) {
	if s.bad {
		return
	}
	s.bad = true
	s.logger.Errorf("interface entered a bad state: %s", reason)
	if s.id != 0 {
		s.wake()
	}
}

// removeRequestLocked erases a request and its count. A request that is
// already gone, or a count that goes negative, means the request map and
// the per-connection bookkeeping have diverged. Shared-state mutex held by
// the caller.
func (s *Server) removeRequestLocked(id RequestID) {
	if _, exists := s.requests[id]; !exists {
		s.markBadLocked(fmt.Sprintf("request %s was already removed", id))
		return
	}
	delete(s.requests, id)
	s.requestCounts[id.Conn]--
	if s.requestCounts[id.Conn] < 0 {
		s.markBadLocked(fmt.Sprintf("negative request count on connection %d", id.Conn))
	}
}

// emitRequests builds handles for every request which completed during the
// read pass, moving the input buffers out of the request data.
func (s *Server) emitRequests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch []*Request
	for _, id := range s.completedPass {
		rd := s.requests[id]
		if rd == nil || rd.status == statusAssigned {
			// The connection died, or the request was removed,
			// after completion within this pass.
			continue
		}
		rd.status = statusAssigned
		req := &Request{
			srv:      s,
			ifaceID:  s.id,
			id:       id,
			rd:       rd,
			writer:   s.writers[id.Conn],
			role:     rd.role,
			keepConn: rd.keepConn,
			env:      rd.params,
			stdin:    rd.stdin,
			data:     rd.data,
			start:    time.Now(),
		}
		rd.params = nil
		rd.paramsRaw = nil
		rd.stdin = nil
		rd.data = nil
		batch = append(batch, req)
	}
	return batch
}

// Close destroys the interface. Every connection is closed, every write
// mutex is acquired and released so no handle is left mid-write against a
// dying connection, and the interface identifier is retired so surviving
// handles observe the destruction. The listening descriptor stays open; it
// belongs to the embedder.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == 0 {
		return ErrInterfaceClosed
	}
	// Settle every write mutex before the descriptors go away: a handle
	// already inside a write finishes it first, and a handle that
	// acquires the mutex afterwards finds the connection poisoned
	// instead of writing into a closed or reused descriptor.
	for _, writer := range s.writers {
		writer.mu.Lock()
		writer.corrupt = true
		writer.mu.Unlock()
	}
	for fd := range s.requestCounts {
		_ = unix.Close(fd)
	}
	s.requests = make(map[RequestID]*requestData)
	s.requestCounts = make(map[int]int)
	s.writers = make(map[int]*connWriter)
	s.closureRequested = make(map[int]struct{})
	s.peerClosedPending = make(map[int]struct{})

	// Wake a select the interface thread may be blocked in before the
	// pipe goes away; closed descriptors alone do not wake it. The next
	// AcceptRequests call observes the retired identifier and returns.
	s.wake()

	interfaceRegistry.mu.Lock()
	if interfaceRegistry.live == s.id {
		interfaceRegistry.live = 0
	}
	interfaceRegistry.mu.Unlock()
	s.id = 0

	_ = unix.Close(s.selfPipeRead)
	_ = unix.Close(s.selfPipeWrite)
	s.authorized = nil

	s.logger.Debugf("server interface closed")
	return nil
}
