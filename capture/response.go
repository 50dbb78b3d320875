package capture

import (
	"fmt"
	"io"
)

const responseBody = "Request received"

// Response is the fixed acknowledgment sent for every processed request.
var Response = []byte(fmt.Sprintf(
	"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
	len(responseBody), responseBody))

// WriteResponse writes Response to w in full.
func WriteResponse(w io.Writer) error {
	n, err := w.Write(Response)
	if err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	if n != len(Response) {
		return fmt.Errorf("send response: %w", io.ErrShortWrite)
	}
	return nil
}
