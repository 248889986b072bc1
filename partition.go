package fcgikit

import "bytes"

// maxScatterGatherSlots bounds the number of iovec slots handed to a single
// writev call. Linux defines UIO_MAXIOV as 1024; the same value is assumed
// where the limit cannot be queried.
const maxScatterGatherSlots = 1024

// fullRecordBodyLength is the body length used for every record of a
// partitioned range except the last. It is the largest length not exceeding
// FCGI_MAX_CONTENT_LEN for which header plus body is a multiple of eight, so
// full records need no padding.
const fullRecordBodyLength = FCGI_MAX_CONTENT_LEN - 7

// zeroPadding backs the padding slices of every scatter/gather plan. It is
// never written to.
var zeroPadding [8]byte

// NameValuePair is a single FastCGI name-value pair held as raw bytes.
type NameValuePair struct {
	Name  []byte
	Value []byte
}

// PartitionByteSequence builds a scatter/gather plan which encodes a prefix
// of data as a sequence of records of the given type and request id.
//
// The returned headerBuffer owns the encoded headers and must be kept alive
// until the plan has been written. iov is the gather list: header, body and
// padding slices in wire order. totalBytes is the byte length of the whole
// plan and consumed is the number of bytes of data covered by it; consumed
// equals len(data) exactly when the entire range was encoded in one call.
//
// An empty data range produces exactly one header-only record, the stream
// terminator.
func PartitionByteSequence(data []byte, recordType byte, requestID uint16) (headerBuffer []byte, iov [][]byte, totalBytes int, consumed int) {
	// One slot is always reserved for trailing padding.
	slotBudget := maxScatterGatherSlots - 1

	var bodies []int
	if len(data) == 0 {
		bodies = []int{0}
	} else {
		remaining := len(data)
		slots := 0
		for remaining > 0 && slots+2 <= slotBudget {
			n := remaining
			if n > FCGI_MAX_CONTENT_LEN {
				n = fullRecordBodyLength
			}
			bodies = append(bodies, n)
			remaining -= n
			slots += 2
		}
	}

	headerBuffer = make([]byte, len(bodies)*FCGI_HEADER_LEN)
	iov = make([][]byte, 0, 2*len(bodies)+1)
	for i, bodyLen := range bodies {
		pad := recordPadding(bodyLen)
		header := headerBuffer[i*FCGI_HEADER_LEN : (i+1)*FCGI_HEADER_LEN]
		EncodeHeader(header, recordType, requestID, uint16(bodyLen), pad)
		iov = append(iov, header)
		if bodyLen > 0 {
			iov = append(iov, data[consumed:consumed+bodyLen])
			consumed += bodyLen
		}
		if pad > 0 {
			iov = append(iov, zeroPadding[:pad])
		}
		totalBytes += FCGI_HEADER_LEN + bodyLen + int(pad)
	}
	return headerBuffer, iov, totalBytes, consumed
}

// encodedPairLength returns the encoded byte length of a pair and whether
// both of its length fields are representable.
func encodedPairLength(p NameValuePair) (int, bool) {
	if len(p.Name) > maxNameValueLength || len(p.Value) > maxNameValueLength {
		return 0, false
	}
	n := len(p.Name) + len(p.Value)
	if len(p.Name) > 127 {
		n += 4
	} else {
		n++
	}
	if len(p.Value) > 127 {
		n += 4
	} else {
		n++
	}
	return n, true
}

// EncodeNameValuePairs builds a scatter/gather plan for a FastCGI name-value
// stream starting at pairs[0] with the first offset bytes of its encoding
// already sent by an earlier call.
//
// The plan may stop early when the slot budget is exhausted. nextPair and
// nextOffset identify the resumption point: the whole sequence has been
// encoded exactly when nextPair == len(pairs). A name or value longer than
// 2^31-1 bytes makes the sequence unencodable and fails the call.
func EncodeNameValuePairs(pairs []NameValuePair, recordType byte, requestID uint16, offset int) (headerBuffer []byte, iov [][]byte, totalBytes int, nextPair int, nextOffset int, err error) {
	// Encoded prefixes for the pairs covered by this call, laid out
	// back to back. Capacity covers the longest possible prefix (eight
	// bytes) of every pair so appends never reallocate and the iov slices
	// into it stay valid.
	prefixes := make([]byte, 0, 8*len(pairs))

	// A segment is a maximal run of bytes of the logical pair stream that
	// lives in one backing slice.
	var segments [][]byte
	pending := 0 // encoded bytes gathered but not yet framed

	skip := offset
	for pi := 0; pi < len(pairs); pi++ {
		p := pairs[pi]
		if _, ok := encodedPairLength(p); !ok {
			return nil, nil, 0, pi, skip, ErrInvalidLength
		}
		var buf bytes.Buffer
		if err := encodePair(&buf, string(p.Name), string(p.Value)); err != nil {
			return nil, nil, 0, pi, skip, err
		}
		enc := buf.Bytes()
		prefixLen := len(enc) - len(p.Name) - len(p.Value)
		start := len(prefixes)
		prefixes = append(prefixes, enc[:prefixLen]...)
		for _, part := range [][]byte{prefixes[start : start+prefixLen], p.Name, p.Value} {
			if skip >= len(part) {
				skip -= len(part)
				continue
			}
			part = part[skip:]
			skip = 0
			if len(part) > 0 {
				segments = append(segments, part)
				pending += len(part)
			}
		}
	}

	// Frame the segment stream into records under the slot budget. One
	// slot stays reserved for trailing padding.
	slotBudget := maxScatterGatherSlots - 1
	streamLen := pending
	var bodies []int
	for remaining := streamLen; remaining > 0; {
		n := remaining
		if n > FCGI_MAX_CONTENT_LEN {
			n = fullRecordBodyLength
		}
		bodies = append(bodies, n)
		remaining -= n
	}

	headerBuffer = make([]byte, len(bodies)*FCGI_HEADER_LEN)
	segIdx, segOff := 0, 0
	encodedStream := 0
	slots := 0
framing:
	for bi, bodyLen := range bodies {
		// A record is emitted whole or not at all; its slot cost is the
		// header plus every segment piece it covers plus padding.
		cost, si, so := 1, segIdx, segOff
		for covered := 0; covered < bodyLen; {
			take := len(segments[si]) - so
			if take > bodyLen-covered {
				take = bodyLen - covered
			}
			covered += take
			so += take
			cost++
			if so == len(segments[si]) {
				si, so = si+1, 0
			}
		}
		if slots+cost > slotBudget {
			break framing
		}
		slots += cost

		pad := recordPadding(bodyLen)
		header := headerBuffer[bi*FCGI_HEADER_LEN : (bi+1)*FCGI_HEADER_LEN]
		EncodeHeader(header, recordType, requestID, uint16(bodyLen), pad)
		iov = append(iov, header)
		for covered := 0; covered < bodyLen; {
			take := len(segments[segIdx]) - segOff
			if take > bodyLen-covered {
				take = bodyLen - covered
			}
			iov = append(iov, segments[segIdx][segOff:segOff+take])
			covered += take
			segOff += take
			if segOff == len(segments[segIdx]) {
				segIdx, segOff = segIdx+1, 0
			}
		}
		if pad > 0 {
			iov = append(iov, zeroPadding[:pad])
		}
		totalBytes += FCGI_HEADER_LEN + bodyLen + int(pad)
		encodedStream += bodyLen
	}

	// Translate the encoded stream position back into a pair index and a
	// byte offset within that pair's encoding.
	position := offset + encodedStream
	for nextPair = 0; nextPair < len(pairs); nextPair++ {
		encLen, _ := encodedPairLength(pairs[nextPair])
		if position < encLen {
			break
		}
		position -= encLen
	}
	nextOffset = position
	return headerBuffer, iov, totalBytes, nextPair, nextOffset, nil
}

// EncodeNameValueStream encodes a whole pair sequence into one contiguous
// payload. It is the simple path used for management records, where the
// result must fit in a single record anyway.
func EncodeNameValueStream(pairs []NameValuePair) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range pairs {
		if err := encodePair(&buf, string(p.Name), string(p.Value)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
