package fcgikit

// https://fastcgi-archives.github.io/FastCGI_Specification.html
// http://www.mit.edu/~yandros/doc/specs/fcgi-spec.html

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	FCGI_VERSION = 1

	FCGI_HEADER_LEN      = 8
	FCGI_MAX_CONTENT_LEN = 65535

	FCGI_FLAG_KEEP_ALIVE = 1

	FCGI_BEGIN_REQUEST     = 1
	FCGI_ABORT_REQUEST     = 2
	FCGI_END_REQUEST       = 3
	FCGI_PARAMS            = 4
	FCGI_STDIN             = 5
	FCGI_STDOUT            = 6
	FCGI_STDERR            = 7
	FCGI_DATA              = 8
	FCGI_GET_VALUES        = 9
	FCGI_GET_VALUES_RESULT = 10
	FCGI_UNKNOWN_TYPE      = 11

	FCGI_RESPONDER  = 1
	FCGI_AUTHORIZER = 2
	FCGI_FILTER     = 3

	FCGI_REQUEST_COMPLETE = 0
	FCGI_CANT_MPX_CONN    = 1
	FCGI_OVERLOADED       = 2
	FCGI_UNKNOWN_ROLE     = 3
)

// Management request names recognized by GetValues processing.
const (
	FCGI_MAX_CONNS  = "FCGI_MAX_CONNS"
	FCGI_MAX_REQS   = "FCGI_MAX_REQS"
	FCGI_MPXS_CONNS = "FCGI_MPXS_CONNS"
)

// Name-value lengths are encoded in one byte for values up to 127 and in
// four bytes with the high bit set for values up to 2^31-1.
const maxNameValueLength = 1<<31 - 1

var (
	ErrInvalidLength  = errors.New("fcgikit: name or value length out of range")
	ErrTruncatedPairs = errors.New("fcgikit: truncated name-value pair sequence")
	ErrDuplicateName  = errors.New("fcgikit: duplicate name in name-value pair sequence")
)

// RecordHeader is the fixed eight byte header which frames every FastCGI
// record. All multi-byte fields are big-endian on the wire.
type RecordHeader struct {
	Version       byte
	Type          byte
	RequestID     uint16 // 2 bytes
	ContentLength uint16 // 2 bytes
	PaddingLength byte
	Reserved      byte
}

// EncodeHeader writes the eight header bytes into dst, which must have room
// for FCGI_HEADER_LEN bytes.
func EncodeHeader(dst []byte, recordType byte, requestID uint16, contentLength uint16, paddingLength byte) {
	dst[0] = FCGI_VERSION
	dst[1] = recordType
	binary.BigEndian.PutUint16(dst[2:4], requestID)
	binary.BigEndian.PutUint16(dst[4:6], contentLength)
	dst[6] = paddingLength
	dst[7] = 0
}

// ParseHeader decodes the eight header bytes of src.
func ParseHeader(src []byte) RecordHeader {
	return RecordHeader{
		Version:       src[0],
		Type:          src[1],
		RequestID:     binary.BigEndian.Uint16(src[2:4]),
		ContentLength: binary.BigEndian.Uint16(src[4:6]),
		PaddingLength: src[6],
		Reserved:      src[7],
	}
}

// recordPadding returns the number of zero bytes which align a record of the
// given content length to a multiple of eight.
func recordPadding(contentLength int) byte {
	return byte(-(FCGI_HEADER_LEN + contentLength) & 7)
}

// EncodeNameValueLength appends the one or four byte encoding of length to
// dst and returns the extended slice.
func EncodeNameValueLength(dst []byte, length int) ([]byte, error) {
	if length < 0 || length > maxNameValueLength {
		return dst, ErrInvalidLength
	}
	if length <= 127 {
		return append(dst, byte(length)), nil
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(length)|1<<31)
	return append(dst, b[:]...), nil
}

// DecodeNameValueLength reads a one or four byte length prefix from src and
// returns the decoded length and the number of bytes consumed.
func DecodeNameValueLength(src []byte) (int, int, error) {
	if len(src) == 0 {
		return 0, 0, ErrTruncatedPairs
	}
	if src[0]&0x80 == 0 {
		return int(src[0]), 1, nil
	}
	if len(src) < 4 {
		return 0, 0, ErrTruncatedPairs
	}
	return int(binary.BigEndian.Uint32(src[:4]) &^ (1 << 31)), 4, nil
}

// ExtractNameValuePairs decodes a complete FastCGI name-value pair sequence.
// Any length prefix, name, or value which runs past the end of content makes
// the whole sequence invalid.
func ExtractNameValuePairs(content []byte) (map[string]string, error) {
	pairs := make(map[string]string)
	for len(content) > 0 {
		nameLen, n, err := DecodeNameValueLength(content)
		if err != nil {
			return nil, err
		}
		content = content[n:]
		valueLen, n, err := DecodeNameValueLength(content)
		if err != nil {
			return nil, err
		}
		content = content[n:]
		if nameLen > len(content) || valueLen > len(content)-nameLen {
			return nil, ErrTruncatedPairs
		}
		name := string(content[:nameLen])
		pairs[name] = string(content[nameLen : nameLen+valueLen])
		content = content[nameLen+valueLen:]
	}
	return pairs, nil
}

// extractOrderedNames decodes the pair sequence while keeping the encounter
// order of names and reporting duplicates. GetValues responses are the one
// place where a duplicate name must not pass silently.
func extractOrderedNames(content []byte) ([]string, map[string]string, error) {
	var names []string
	pairs := make(map[string]string)
	for len(content) > 0 {
		nameLen, n, err := DecodeNameValueLength(content)
		if err != nil {
			return nil, nil, err
		}
		content = content[n:]
		valueLen, n, err := DecodeNameValueLength(content)
		if err != nil {
			return nil, nil, err
		}
		content = content[n:]
		if nameLen > len(content) || valueLen > len(content)-nameLen {
			return nil, nil, ErrTruncatedPairs
		}
		name := string(content[:nameLen])
		names = append(names, name)
		pairs[name] = string(content[nameLen : nameLen+valueLen])
		content = content[nameLen+valueLen:]
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return names, pairs, fmt.Errorf("%w: %q", ErrDuplicateName, sorted[i])
		}
	}
	return names, pairs, nil
}

// encodePair appends one encoded name-value pair to buf.
func encodePair(buf *bytes.Buffer, name, value string) error {
	var scratch [4]byte
	b, err := EncodeNameValueLength(scratch[:0], len(name))
	if err != nil {
		return err
	}
	buf.Write(b)
	b, err = EncodeNameValueLength(scratch[:0], len(value))
	if err != nil {
		return err
	}
	buf.Write(b)
	buf.WriteString(name)
	buf.WriteString(value)
	return nil
}

// buildRecord encodes a single complete record (header, content, padding)
// into one contiguous buffer. Content must not exceed FCGI_MAX_CONTENT_LEN.
func buildRecord(recordType byte, requestID uint16, content []byte) []byte {
	pad := recordPadding(len(content))
	rec := make([]byte, FCGI_HEADER_LEN+len(content)+int(pad))
	EncodeHeader(rec, recordType, requestID, uint16(len(content)), pad)
	copy(rec[FCGI_HEADER_LEN:], content)
	return rec
}

// buildEndRequest encodes a complete FCGI_END_REQUEST record.
func buildEndRequest(requestID uint16, appStatus int32, protocolStatus byte) []byte {
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], uint32(appStatus))
	body[4] = protocolStatus
	return buildRecord(FCGI_END_REQUEST, requestID, body[:])
}

// buildBeginRequest encodes a complete FCGI_BEGIN_REQUEST record.
func buildBeginRequest(requestID uint16, role uint16, flags byte) []byte {
	var body [8]byte
	binary.BigEndian.PutUint16(body[0:2], role)
	body[2] = flags
	return buildRecord(FCGI_BEGIN_REQUEST, requestID, body[:])
}

// buildUnknownType encodes a complete FCGI_UNKNOWN_TYPE record carrying the
// unrecognized type byte.
func buildUnknownType(unknownType byte) []byte {
	var body [8]byte
	body[0] = unknownType
	return buildRecord(FCGI_UNKNOWN_TYPE, 0, body[:])
}
