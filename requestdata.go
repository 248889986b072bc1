package fcgikit

// requestStatus tracks whether a request is still owned by the interface or
// has been handed to the application as a Request.
type requestStatus int

const (
	statusPending requestStatus = iota
	statusAssigned
)

// requestData accumulates the server-side state of one request between its
// FCGI_BEGIN_REQUEST record and its assignment to the application. It is
// owned by the interface; after assignment only the flag fields are shared
// with the Request and they are read and written under the interface's
// shared-state mutex.
type requestData struct {
	role     uint16
	keepConn bool

	paramsRaw []byte
	stdin     []byte
	data      []byte

	paramsComplete bool
	stdinComplete  bool
	dataComplete   bool

	// params holds the decoded environment. Only meaningful once the
	// params stream completed and decoded successfully.
	params map[string]string

	status requestStatus

	clientAborted               bool
	connectionClosedByInterface bool
}

func newRequestData(role uint16, keepConn bool) *requestData {
	rd := &requestData{role: role, keepConn: keepConn}
	// Streams a role never receives start out complete so that they do
	// not gate request completion: Responders take no FCGI_DATA and
	// Authorizers take neither FCGI_STDIN nor FCGI_DATA.
	switch role {
	case FCGI_RESPONDER:
		rd.dataComplete = true
	case FCGI_AUTHORIZER:
		rd.stdinComplete = true
		rd.dataComplete = true
	}
	return rd
}

// appendStream adds record content to the buffer of the given stream type,
// or marks the stream complete when the content is empty.
func (rd *requestData) appendStream(recordType byte, content []byte) {
	switch recordType {
	case FCGI_PARAMS:
		if len(content) == 0 {
			rd.paramsComplete = true
		} else {
			rd.paramsRaw = append(rd.paramsRaw, content...)
		}
	case FCGI_STDIN:
		if len(content) == 0 {
			rd.stdinComplete = true
		} else {
			rd.stdin = append(rd.stdin, content...)
		}
	case FCGI_DATA:
		if len(content) == 0 {
			rd.dataComplete = true
		} else {
			rd.data = append(rd.data, content...)
		}
	}
}

// streamComplete reports whether the stream of the given type has received
// its terminal empty record.
func (rd *requestData) streamComplete(recordType byte) bool {
	switch recordType {
	case FCGI_PARAMS:
		return rd.paramsComplete
	case FCGI_STDIN:
		return rd.stdinComplete
	case FCGI_DATA:
		return rd.dataComplete
	}
	return false
}

// checkComplete decodes the params buffer once all three streams have
// completed. It returns (complete, ok): complete is true when all streams
// are done, and ok is false when the params buffer failed to decode, which
// invalidates the whole request.
func (rd *requestData) checkComplete() (bool, bool) {
	if !rd.paramsComplete || !rd.stdinComplete || !rd.dataComplete {
		return false, true
	}
	params, err := ExtractNameValuePairs(rd.paramsRaw)
	if err != nil {
		return true, false
	}
	rd.params = params
	return true, true
}
