package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultResponseLimit bounds every outbound collaborator's response body
// read: an integration vendor, the asset service, or the persist host
// returning a runaway body must not be read into memory unbounded.
const DefaultResponseLimit = 10 << 20 // 10 MiB

// DecodeJSON reads resp.Body up to DefaultResponseLimit and unmarshals it
// into out, the shared read path for every JSON-decoding outbound client.
func DecodeJSON(resp *http.Response, out any) error {
	body, err := ReadAllWithLimit(resp.Body, DefaultResponseLimit)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// ResponseTooLargeError reports that the response body exceeded the limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether the error indicates a response limit violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads the response body up to the provided limit.
// If limit <= 0, it behaves like io.ReadAll.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}
