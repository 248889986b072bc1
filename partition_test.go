package fcgikit

import (
	"bytes"
	"testing"
)

// decodePlan replays a scatter/gather plan through a record parser and
// returns the concatenated record bodies along with every header seen.
func decodePlan(t *testing.T, iov [][]byte) ([]byte, []RecordHeader) {
	t.Helper()
	var body []byte
	var headers []RecordHeader
	parser := newRecordParser(
		func(hdr RecordHeader) bool {
			headers = append(headers, hdr)
			return true
		},
		func(hdr RecordHeader, content []byte) {
			body = append(body, content...)
		},
	)
	for _, slice := range iov {
		parser.feed(slice)
	}
	return body, headers
}

func TestPartitionByteSequence(t *testing.T) {
	tests := []struct {
		name        string
		inputLen    int
		wantRecords int
	}{
		{"empty", 0, 1},
		{"one byte", 1, 1},
		{"single full record", 65535, 1},
		{"two records", 65536, 2},
		{"several records", 3*fullRecordBodyLength + 100, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := bytes.Repeat([]byte{0xAB}, tt.inputLen)
			_, iov, total, consumed := PartitionByteSequence(input, FCGI_STDOUT, 3)

			if consumed != len(input) {
				t.Fatalf("consumed %d bytes, want %d", consumed, len(input))
			}
			if total%8 != 0 {
				t.Errorf("total plan size %d is not a multiple of 8", total)
			}
			planLen := 0
			for _, slice := range iov {
				planLen += len(slice)
			}
			if planLen != total {
				t.Errorf("gather list holds %d bytes, total reports %d", planLen, total)
			}

			body, headers := decodePlan(t, iov)
			if !bytes.Equal(body, input) {
				t.Errorf("record bodies do not reassemble the input (%d vs %d bytes)", len(body), len(input))
			}
			if len(headers) != tt.wantRecords {
				t.Errorf("emitted %d records, want %d", len(headers), tt.wantRecords)
			}
			for _, hdr := range headers {
				if hdr.Type != FCGI_STDOUT || hdr.RequestID != 3 {
					t.Errorf("unexpected header %+v", hdr)
				}
				if int(hdr.ContentLength) > FCGI_MAX_CONTENT_LEN {
					t.Errorf("record body %d exceeds the record limit", hdr.ContentLength)
				}
				if (FCGI_HEADER_LEN+int(hdr.ContentLength)+int(hdr.PaddingLength))%8 != 0 {
					t.Errorf("record of body %d pad %d is not 8-aligned", hdr.ContentLength, hdr.PaddingLength)
				}
			}
		})
	}
}

func TestPartitionByteSequence_EmptyIsTerminator(t *testing.T) {
	headerBuffer, iov, total, consumed := PartitionByteSequence(nil, FCGI_STDIN, 9)
	if consumed != 0 || total != FCGI_HEADER_LEN {
		t.Fatalf("terminator plan: total %d consumed %d", total, consumed)
	}
	if len(iov) != 1 || len(headerBuffer) != FCGI_HEADER_LEN {
		t.Fatalf("terminator plan should be a single header-only record")
	}
	hdr := ParseHeader(iov[0])
	if hdr.Type != FCGI_STDIN || hdr.RequestID != 9 || hdr.ContentLength != 0 || hdr.PaddingLength != 0 {
		t.Errorf("unexpected terminator header %+v", hdr)
	}
}

func TestEncodeNameValuePairs_RoundTrip(t *testing.T) {
	pairs := []NameValuePair{
		{[]byte("REQUEST_METHOD"), []byte("GET")},
		{[]byte("LARGE"), bytes.Repeat([]byte{0x42}, 200000)},
		{[]byte("EMPTY"), nil},
	}

	var stream []byte
	remaining := pairs
	offset := 0
	for len(remaining) > 0 {
		_, iov, _, nextPair, nextOffset, err := EncodeNameValuePairs(remaining, FCGI_PARAMS, 5, offset)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		body, headers := decodePlan(t, iov)
		stream = append(stream, body...)
		for _, hdr := range headers {
			if (FCGI_HEADER_LEN+int(hdr.ContentLength)+int(hdr.PaddingLength))%8 != 0 {
				t.Errorf("record of body %d pad %d is not 8-aligned", hdr.ContentLength, hdr.PaddingLength)
			}
		}
		if nextPair == len(remaining) {
			break
		}
		remaining = remaining[nextPair:]
		offset = nextOffset
	}

	decoded, err := ExtractNameValuePairs(stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded) != len(pairs) {
		t.Fatalf("decoded %d pairs, want %d", len(decoded), len(pairs))
	}
	for _, p := range pairs {
		if decoded[string(p.Name)] != string(p.Value) {
			t.Errorf("pair %q did not survive the round trip", p.Name)
		}
	}
}

func TestEncodeNameValuePairs_Resumption(t *testing.T) {
	pairs := []NameValuePair{
		{[]byte("A"), bytes.Repeat([]byte{1}, 100)},
		{[]byte("B"), bytes.Repeat([]byte{2}, 100)},
	}

	// Encode the whole stream once as the reference.
	_, iov, _, nextPair, _, err := EncodeNameValuePairs(pairs, FCGI_PARAMS, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nextPair != len(pairs) {
		t.Fatalf("small stream did not encode in one call")
	}
	want, _ := decodePlan(t, iov)

	// Resume from an offset inside the first pair: the suffix of the
	// reference stream must come out.
	const skip = 10
	_, iov, _, _, _, err = EncodeNameValuePairs(pairs, FCGI_PARAMS, 1, skip)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := decodePlan(t, iov)
	if !bytes.Equal(got, want[skip:]) {
		t.Errorf("resumed encoding does not match the reference suffix")
	}
}
