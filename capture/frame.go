package capture

import (
	"bytes"
	"errors"
	"mime"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	// ErrNoHeaderTerminator means the stream holds no "\r\n\r\n": it is not
	// treated as a request at all.
	ErrNoHeaderTerminator = errors.New("capture: no header terminator")
	// ErrNoImageMarkers means the body lacks a JPEG start or end marker.
	ErrNoImageMarkers = errors.New("capture: no JPEG markers in body")
	// ErrInvertedMarkers means the first end marker precedes the first start
	// marker, which only happens when the end search is not anchored.
	ErrInvertedMarkers = errors.New("capture: JPEG end marker precedes start marker")
)

var (
	headerTerminator = []byte("\r\n\r\n")
	imageContentType = []byte("Content-Type: image")

	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// Request is a raw stream split at its first header terminator. Both slices
// alias the raw buffer.
type Request struct {
	Header []byte
	Body   []byte
}

// SplitRequest splits raw at the first "\r\n\r\n". Header is everything
// before it, Body everything after (possibly empty).
func SplitRequest(raw []byte) (Request, error) {
	i := bytes.Index(raw, headerTerminator)
	if i < 0 {
		return Request{}, ErrNoHeaderTerminator
	}
	return Request{
		Header: raw[:i],
		Body:   raw[i+len(headerTerminator):],
	}, nil
}

// DeclaresImage reports whether the header section declares an image
// content type.
//
// In substring mode any occurrence of "Content-Type: image" matches,
// including one inside an unrelated header value. Structured mode splits
// each line on its first colon and requires a Content-Type field (any case)
// whose media type is image/*. Lines whose name is not a valid field name,
// such as a request line, are ignored, so a header section without one is
// matched the same way.
func DeclaresImage(header []byte, mode string) bool {
	if mode != HeaderMatchStructured {
		return bytes.Contains(header, imageContentType)
	}
	for _, line := range strings.Split(string(header), "\n") {
		line = strings.TrimSuffix(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		if !strings.EqualFold(name, "Content-Type") {
			continue
		}
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		if strings.HasPrefix(mt, "image/") {
			return true
		}
	}
	return false
}

// ExtractJPEG returns body[start:end] where start is the first FF D8 and end
// is two bytes past the first FF D9. Unanchored, the end marker is searched
// from the start of the body; anchored, from the start marker onwards.
// The returned slice aliases body.
func ExtractJPEG(body []byte, anchored bool) ([]byte, error) {
	start := bytes.Index(body, jpegSOI)
	if start < 0 {
		return nil, ErrNoImageMarkers
	}
	var eoi int
	if anchored {
		rel := bytes.Index(body[start:], jpegEOI)
		if rel < 0 {
			return nil, ErrNoImageMarkers
		}
		eoi = start + rel
	} else {
		eoi = bytes.Index(body, jpegEOI)
		if eoi < 0 {
			return nil, ErrNoImageMarkers
		}
		if eoi < start {
			return nil, ErrInvertedMarkers
		}
	}
	return body[start : eoi+len(jpegEOI)], nil
}
