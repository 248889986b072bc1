package fcgikit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// maxUnixPathLen bounds AF_UNIX socket paths accepted by Connect,
// terminating NUL included.
const maxUnixPathLen = 91

var (
	ErrNoConnections      = errors.New("fcgikit: no connected descriptors")
	ErrUnknownConn        = errors.New("fcgikit: unknown or disconnected descriptor")
	ErrAllocatorInvariant = errors.New("fcgikit: id allocator state does not match tracked requests")
)

// ClientRequest describes one application request to be sent to a FastCGI
// server.
type ClientRequest struct {
	Role     uint16
	KeepConn bool
	Params   map[string]string
	Stdin    []byte
	Data     []byte
}

// pendingRequest accumulates a request's response streams until its
// FCGI_END_REQUEST record arrives.
type pendingRequest struct {
	req        *ClientRequest
	stdout     []byte
	stderr     []byte
	stdoutDone bool
	stderrDone bool
}

// clientConn is the per-descriptor state of a Client. An entry survives
// disconnection for as long as completed-but-unreleased request ids
// reference it, so that a reconnect reusing the descriptor value cannot
// hand out an id the application still holds.
type clientConn struct {
	fd        int
	connected bool
	ids       IDAllocator[uint16]
	parser    *recordParser
	mgmt      []ManagementRequest
}

// Client is the web-server side of the FastCGI protocol, used to drive
// application servers: it sends application and management requests and
// surfaces the servers' records as typed events. It is single-threaded;
// no method may be called concurrently with another.
type Client struct {
	logger *log.Logger

	conns        map[int]*clientConn
	pending      map[RequestID]*pendingRequest
	completedIDs map[RequestID]struct{}
	events       eventQueue

	// Descriptors reported readable by the last select and not yet
	// drained, so consecutive RetrieveServerEvent calls do not rescan.
	pendingReads []int

	readBuf [8192]byte
}

func NewClient(logger *log.Logger) *Client {
	return &Client{
		logger:       logger,
		conns:        make(map[int]*clientConn),
		pending:      make(map[RequestID]*pendingRequest),
		completedIDs: make(map[RequestID]struct{}),
	}
}

// Connect opens a stream connection to a FastCGI server. The address is
// tried as an IPv4 literal, then an IPv6 literal, then an AF_UNIX path;
// port is ignored for paths. An active refusal by the server
// (ECONNREFUSED, EACCES, ETIMEDOUT, ENOENT) returns -1 with a nil error;
// other failures return -1 and the failure.
func (c *Client) Connect(address string, port uint16) (int, error) {
	family, sa, err := parseConnectAddress(address, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("could not create socket: %w", err)
	}
	for {
		err = unix.Connect(fd, sa)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		_ = unix.Close(fd)
		switch err {
		case unix.ECONNREFUSED, unix.EACCES, unix.ETIMEDOUT, unix.ENOENT:
			c.logger.Debugf("connection to %q refused: %v", address, err)
			return -1, nil
		}
		return -1, fmt.Errorf("could not connect to %q: %w", address, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("could not make descriptor non-blocking: %w", err)
	}

	// Refresh rather than replace retained state: completed ids from a
	// previous connection with the same descriptor value stay allocated.
	cc := c.conns[fd]
	if cc == nil {
		cc = &clientConn{fd: fd}
		c.conns[fd] = cc
	}
	cc.connected = true
	cc.mgmt = nil
	cc.parser = newRecordParser(
		func(hdr RecordHeader) bool { return c.classifyRecord(fd, hdr) },
		func(hdr RecordHeader, content []byte) { c.applyRecord(fd, hdr, content) },
	)
	c.logger.Debugf("connected descriptor %d to %q", fd, address)
	return fd, nil
}

func parseConnectAddress(address string, port uint16) (int, unix.Sockaddr, error) {
	if addr, err := netip.ParseAddr(address); err == nil {
		addr = addr.Unmap()
		if addr.Is4() {
			return unix.AF_INET, &unix.SockaddrInet4{Port: int(port), Addr: addr.As4()}, nil
		}
		return unix.AF_INET6, &unix.SockaddrInet6{Port: int(port), Addr: addr.As16()}, nil
	}
	if len(address)+1 > maxUnixPathLen {
		return 0, nil, fmt.Errorf("fcgikit: socket path %q exceeds %d bytes", address, maxUnixPathLen-1)
	}
	return unix.AF_UNIX, &unix.SockaddrUnix{Name: address}, nil
}

// SendRequest sends one application request over conn and returns its id.
// Records are sent in the order BEGIN_REQUEST, FCGI_DATA, FCGI_STDIN,
// FCGI_PARAMS; params go last so the server cannot consider the request
// complete before every stream has been queued. Streams a role does not
// use are skipped when empty.
func (c *Client) SendRequest(conn int, req *ClientRequest) (RequestID, error) {
	cc := c.conns[conn]
	if cc == nil || !cc.connected {
		return NullRequestID, ErrUnknownConn
	}
	fcgiID, err := cc.ids.Acquire()
	if err != nil {
		return NullRequestID, err
	}
	id := RequestID{Conn: conn, FCGIID: fcgiID}

	flags := byte(0)
	if req.KeepConn {
		flags = FCGI_FLAG_KEEP_ALIVE
	}

	written := 0
	sendErr := func() error {
		begin := buildBeginRequest(fcgiID, req.Role, flags)
		n, err := writevGather(conn, [][]byte{begin}, 0)
		written += n
		if err != nil {
			return err
		}
		if len(req.Data) > 0 || req.Role == FCGI_FILTER {
			n, err = c.sendStream(conn, FCGI_DATA, fcgiID, req.Data)
			written += n
			if err != nil {
				return err
			}
		}
		if len(req.Stdin) > 0 || req.Role != FCGI_AUTHORIZER {
			n, err = c.sendStream(conn, FCGI_STDIN, fcgiID, req.Stdin)
			written += n
			if err != nil {
				return err
			}
		}
		n, err = c.sendParams(conn, fcgiID, req.Params)
		written += n
		return err
	}()

	if sendErr != nil {
		if written == 0 && sendErr != unix.EPIPE {
			if relErr := cc.ids.Release(fcgiID); relErr != nil {
				return NullRequestID, relErr
			}
			return NullRequestID, fmt.Errorf("could not send request: %w", sendErr)
		}
		c.connectionLost(conn)
		return NullRequestID, fmt.Errorf("could not send request: %w", sendErr)
	}

	c.pending[id] = &pendingRequest{req: req}
	return id, nil
}

// sendStream writes a full stream: its content records followed by the
// terminal empty record.
func (c *Client) sendStream(conn int, recordType byte, fcgiID uint16, data []byte) (int, error) {
	written := 0
	for len(data) > 0 {
		_, iov, _, consumed := PartitionByteSequence(data, recordType, fcgiID)
		n, err := writevGather(conn, iov, 0)
		written += n
		if err != nil {
			return written, err
		}
		data = data[consumed:]
	}
	_, iov, _, _ := PartitionByteSequence(nil, recordType, fcgiID)
	n, err := writevGather(conn, iov, 0)
	return written + n, err
}

// sendParams writes the FCGI_PARAMS stream from the request's param map in
// sorted name order, then its terminal record.
func (c *Client) sendParams(conn int, fcgiID uint16, params map[string]string) (int, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]NameValuePair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, NameValuePair{[]byte(name), []byte(params[name])})
	}

	written := 0
	offset := 0
	for len(pairs) > 0 {
		_, iov, _, nextPair, nextOffset, err := EncodeNameValuePairs(pairs, FCGI_PARAMS, fcgiID, offset)
		if err != nil {
			return written, err
		}
		n, err := writevGather(conn, iov, 0)
		written += n
		if err != nil {
			return written, err
		}
		if nextPair == len(pairs) {
			break
		}
		pairs = pairs[nextPair:]
		offset = nextOffset
	}
	_, iov, _, _ := PartitionByteSequence(nil, FCGI_PARAMS, fcgiID)
	n, err := writevGather(conn, iov, 0)
	return written + n, err
}

// SendAbortRequest sends an FCGI_ABORT_REQUEST record for a pending
// request. It returns false when id names no pending request.
func (c *Client) SendAbortRequest(id RequestID) (bool, error) {
	if _, pending := c.pending[id]; !pending {
		return false, nil
	}
	cc := c.conns[id.Conn]
	if cc == nil || !cc.connected {
		return false, nil
	}
	record := buildRecord(FCGI_ABORT_REQUEST, id.FCGIID, nil)
	if _, err := writevGather(id.Conn, [][]byte{record}, 0); err != nil {
		c.connectionLost(id.Conn)
		return false, fmt.Errorf("could not send abort: %w", err)
	}
	return true, nil
}

// SendGetValuesRequest sends an FCGI_GET_VALUES management record asking
// for the given variable names. It returns false when the names do not fit
// in a single record or the connection is gone.
func (c *Client) SendGetValuesRequest(conn int, names []string) (bool, error) {
	cc := c.conns[conn]
	if cc == nil || !cc.connected {
		return false, nil
	}
	pairs := make([]NameValuePair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, NameValuePair{[]byte(name), nil})
	}
	payload, err := EncodeNameValueStream(pairs)
	if err != nil || len(payload) > FCGI_MAX_CONTENT_LEN {
		return false, nil
	}
	record := buildRecord(FCGI_GET_VALUES, 0, payload)
	if _, err := writevGather(conn, [][]byte{record}, 0); err != nil {
		c.connectionLost(conn)
		return false, nil
	}
	cc.mgmt = append(cc.mgmt, ManagementRequest{Type: FCGI_GET_VALUES, Names: append([]string(nil), names...)})
	return true, nil
}

// SendBinaryManagementRequest sends an arbitrary management record of the
// given type with body as its content.
func (c *Client) SendBinaryManagementRequest(conn int, recordType byte, body []byte) (bool, error) {
	cc := c.conns[conn]
	if cc == nil || !cc.connected {
		return false, nil
	}
	if len(body) > FCGI_MAX_CONTENT_LEN {
		return false, nil
	}
	record := buildRecord(recordType, 0, body)
	if _, err := writevGather(conn, [][]byte{record}, 0); err != nil {
		c.connectionLost(conn)
		return false, nil
	}
	cc.mgmt = append(cc.mgmt, ManagementRequest{Type: recordType, Body: append([]byte(nil), body...)})
	return true, nil
}

// RetrieveServerEvent returns the next server event, reading from
// connections and blocking in select as needed. It fails with
// ErrNoConnections when the event queue is empty and no descriptor is
// connected.
func (c *Client) RetrieveServerEvent() (ServerEvent, error) {
	for {
		if e := c.events.pop(); e != nil {
			return e, nil
		}
		if len(c.pendingReads) > 0 {
			fd := c.pendingReads[0]
			c.pendingReads = c.pendingReads[1:]
			c.readConnection(fd)
			continue
		}
		if err := c.waitReadable(); err != nil {
			return nil, err
		}
	}
}

func (c *Client) waitReadable() error {
	for {
		var readSet unix.FdSet
		readSet.Zero()
		nfds := -1
		connected := make([]int, 0, len(c.conns))
		for fd, cc := range c.conns {
			if !cc.connected {
				continue
			}
			readSet.Set(fd)
			connected = append(connected, fd)
			if fd > nfds {
				nfds = fd
			}
		}
		if len(connected) == 0 {
			return ErrNoConnections
		}
		sort.Ints(connected)

		if _, err := unix.Select(nfds+1, &readSet, nil, nil, nil); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("select failed: %w", err)
		}
		for _, fd := range connected {
			if readSet.IsSet(fd) {
				c.pendingReads = append(c.pendingReads, fd)
			}
		}
		return nil
	}
}

func (c *Client) readConnection(fd int) {
	cc := c.conns[fd]
	if cc == nil || !cc.connected {
		return
	}
	for {
		n, err := unix.Read(fd, c.readBuf[:])
		if n > 0 {
			cc.parser.feed(c.readBuf[:n])
			continue
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		default:
			// EOF or a dead connection.
			c.connectionLost(fd)
			return
		}
	}
}

// connectionLost closes a connection found dead, cancels its pending
// requests without notification, and enqueues a ConnectionClosure event.
// Completed-but-unreleased ids keep the entry alive.
func (c *Client) connectionLost(fd int) {
	cc := c.conns[fd]
	if cc == nil || !cc.connected {
		return
	}
	_ = unix.Close(fd)
	cc.connected = false
	cc.mgmt = nil
	for id := range c.pending {
		if id.Conn == fd {
			delete(c.pending, id)
			if err := cc.ids.Release(id.FCGIID); err != nil {
				c.logger.Errorf("could not release id %s: %v", id, err)
			}
		}
	}
	c.events.push(&ConnectionClosure{Conn: fd})
	c.dropConnIfUnreferenced(fd)
}

// classifyRecord validates a record on header completion; a rejected
// record surfaces an InvalidRecord event and is consumed without
// processing.
func (c *Client) classifyRecord(fd int, hdr RecordHeader) bool {
	if c.validateHeader(fd, hdr) {
		return true
	}
	c.events.push(&InvalidRecord{Conn: fd, Header: hdr})
	return false
}

func (c *Client) validateHeader(fd int, hdr RecordHeader) bool {
	if hdr.Version != FCGI_VERSION {
		return false
	}
	cc := c.conns[fd]
	id := RequestID{Conn: fd, FCGIID: hdr.RequestID}
	switch hdr.Type {
	case FCGI_END_REQUEST:
		p := c.pending[id]
		return p != nil && p.stdoutDone && (p.stderrDone || len(p.stderr) == 0) &&
			hdr.ContentLength == 8
	case FCGI_STDOUT:
		p := c.pending[id]
		return p != nil && !p.stdoutDone
	case FCGI_STDERR:
		p := c.pending[id]
		return p != nil && !p.stderrDone
	case FCGI_GET_VALUES_RESULT:
		return hdr.RequestID == 0 && len(cc.mgmt) > 0 && cc.mgmt[0].Type == FCGI_GET_VALUES
	case FCGI_UNKNOWN_TYPE:
		// A conforming server always recognizes FCGI_GET_VALUES.
		return hdr.RequestID == 0 && hdr.ContentLength == 8 &&
			len(cc.mgmt) > 0 && cc.mgmt[0].Type != FCGI_GET_VALUES
	default:
		return false
	}
}

func (c *Client) applyRecord(fd int, hdr RecordHeader, content []byte) {
	cc := c.conns[fd]
	id := RequestID{Conn: fd, FCGIID: hdr.RequestID}
	switch hdr.Type {
	case FCGI_END_REQUEST:
		appStatus := int32(binary.BigEndian.Uint32(content[0:4]))
		protocolStatus := content[4]
		if protocolStatus > FCGI_UNKNOWN_ROLE {
			c.events.push(&InvalidRecord{Conn: fd, Header: hdr})
			return
		}
		p := c.pending[id]
		delete(c.pending, id)
		c.completedIDs[id] = struct{}{}
		c.events.push(&Response{
			ID:             id,
			Request:        p.req,
			Stdout:         p.stdout,
			Stderr:         p.stderr,
			AppStatus:      appStatus,
			ProtocolStatus: protocolStatus,
		})
	case FCGI_STDOUT:
		p := c.pending[id]
		if len(content) == 0 {
			p.stdoutDone = true
		} else {
			p.stdout = append(p.stdout, content...)
		}
	case FCGI_STDERR:
		p := c.pending[id]
		if len(content) == 0 {
			p.stderrDone = true
		} else {
			p.stderr = append(p.stderr, content...)
		}
	case FCGI_GET_VALUES_RESULT:
		entry := cc.mgmt[0]
		cc.mgmt = cc.mgmt[1:]
		_, values, err := extractOrderedNames(content)
		event := &GetValuesResult{
			Conn:         fd,
			RequestNames: entry.Names,
			Values:       values,
			Corrupt:      err != nil,
		}
		if event.Values == nil {
			event.Values = make(map[string]string)
		}
		c.events.push(event)
	case FCGI_UNKNOWN_TYPE:
		entry := cc.mgmt[0]
		cc.mgmt = cc.mgmt[1:]
		c.events.push(&UnknownType{Conn: fd, UnknownType: content[0], Request: entry})
	}
}

// CloseConnection closes conn, cancelling its pending requests without
// notification. The per-descriptor entry survives while
// completed-but-unreleased ids reference it.
func (c *Client) CloseConnection(conn int) error {
	cc := c.conns[conn]
	if cc == nil {
		return ErrUnknownConn
	}
	if cc.connected {
		_ = unix.Close(conn)
		cc.connected = false
	}
	cc.mgmt = nil
	for id := range c.pending {
		if id.Conn == conn {
			delete(c.pending, id)
			if err := cc.ids.Release(id.FCGIID); err != nil {
				return fmt.Errorf("%w: %v", ErrAllocatorInvariant, err)
			}
		}
	}
	// Every id still allocated must now be completed-but-unreleased.
	completed := uint64(0)
	for id := range c.completedIDs {
		if id.Conn == conn {
			completed++
		}
	}
	if cc.ids.Size() != completed {
		return ErrAllocatorInvariant
	}
	c.dropConnIfUnreferenced(conn)
	return nil
}

// ReleaseID returns a completed request's id to its connection's
// allocator. It returns false when id is not completed-but-unreleased.
func (c *Client) ReleaseID(id RequestID) bool {
	if _, ok := c.completedIDs[id]; !ok {
		return false
	}
	delete(c.completedIDs, id)
	if cc := c.conns[id.Conn]; cc != nil {
		if err := cc.ids.Release(id.FCGIID); err != nil {
			c.logger.Errorf("could not release id %s: %v", id, err)
		}
		c.dropConnIfUnreferenced(id.Conn)
	}
	return true
}

// ReleaseConnectionIDs releases every completed-but-unreleased id of conn.
func (c *Client) ReleaseConnectionIDs(conn int) bool {
	if c.conns[conn] == nil {
		return false
	}
	for id := range c.completedIDs {
		if id.Conn == conn {
			c.ReleaseID(id)
		}
	}
	return true
}

// dropConnIfUnreferenced erases a disconnected per-descriptor entry once
// nothing references it anymore.
func (c *Client) dropConnIfUnreferenced(conn int) {
	cc := c.conns[conn]
	if cc == nil || cc.connected {
		return
	}
	for id := range c.completedIDs {
		if id.Conn == conn {
			return
		}
	}
	for id := range c.pending {
		if id.Conn == conn {
			return
		}
	}
	delete(c.conns, conn)
}

// ConnectionCount returns the number of connected descriptors.
func (c *Client) ConnectionCount() int {
	count := 0
	for _, cc := range c.conns {
		if cc.connected {
			count++
		}
	}
	return count
}

// CompletedRequestCount returns the number of completed-but-unreleased
// request ids.
func (c *Client) CompletedRequestCount() int {
	return len(c.completedIDs)
}

// PendingRequestCount returns the number of requests awaiting completion.
func (c *Client) PendingRequestCount() int {
	return len(c.pending)
}

// ManagementRequestCount returns the number of unanswered management
// requests on conn.
func (c *Client) ManagementRequestCount(conn int) int {
	if cc := c.conns[conn]; cc != nil {
		return len(cc.mgmt)
	}
	return 0
}

// ReadyEventCount returns the number of queued events.
func (c *Client) ReadyEventCount() int {
	return c.events.size
}
