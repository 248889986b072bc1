package fcgikit

// recordParser assembles FastCGI records from an unframed byte stream that
// arrives in arbitrary chunks from a non-blocking read loop.
//
// When a header completes, classify decides whether the record is wanted.
// A rejected record is still consumed from the stream, content and padding
// included, but its bytes are discarded and deliver is never called for it.
type recordParser struct {
	classify func(hdr RecordHeader) bool
	deliver  func(hdr RecordHeader, content []byte)

	header      [FCGI_HEADER_LEN]byte
	headerBytes int

	hdr         RecordHeader
	content     []byte
	contentLeft int
	paddingLeft int
	inRecord    bool
	invalidated bool
}

func newRecordParser(classify func(RecordHeader) bool, deliver func(RecordHeader, []byte)) *recordParser {
	return &recordParser{classify: classify, deliver: deliver}
}

// feed advances the parser over p, delivering every complete, accepted
// record it finds.
func (rp *recordParser) feed(p []byte) {
	for len(p) > 0 {
		if !rp.inRecord {
			n := copy(rp.header[rp.headerBytes:], p)
			rp.headerBytes += n
			p = p[n:]
			if rp.headerBytes < FCGI_HEADER_LEN {
				return
			}
			rp.hdr = ParseHeader(rp.header[:])
			rp.contentLeft = int(rp.hdr.ContentLength)
			rp.paddingLeft = int(rp.hdr.PaddingLength)
			rp.inRecord = true
			rp.invalidated = !rp.classify(rp.hdr)
			if !rp.invalidated && rp.contentLeft > 0 {
				rp.content = make([]byte, 0, rp.contentLeft)
			}
		}

		if rp.contentLeft > 0 {
			n := rp.contentLeft
			if n > len(p) {
				n = len(p)
			}
			if !rp.invalidated {
				rp.content = append(rp.content, p[:n]...)
			}
			rp.contentLeft -= n
			p = p[n:]
		}
		if rp.contentLeft > 0 {
			return
		}

		if rp.paddingLeft > 0 {
			n := rp.paddingLeft
			if n > len(p) {
				n = len(p)
			}
			rp.paddingLeft -= n
			p = p[n:]
		}
		if rp.paddingLeft > 0 {
			return
		}

		if !rp.invalidated {
			rp.deliver(rp.hdr, rp.content)
		}
		rp.content = nil
		rp.headerBytes = 0
		rp.inRecord = false
		rp.invalidated = false
	}
}
