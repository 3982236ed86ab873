package billinghttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// DefaultMaxBodySize caps request and webhook bodies at 1 MB.
const DefaultMaxBodySize = 1 << 20

var (
	errBadRequest       = errors.New("invalid request")
	errUnsupportedMedia = errors.New("unsupported media type")
)

// decodeJSON strictly decodes the request body into v: JSON media type only,
// unknown fields rejected, a single object per body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	mediaType := r.Header.Get("Content-Type")
	if idx := strings.Index(mediaType, ";"); idx != -1 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	if mediaType != "application/json" {
		return fmt.Errorf("%w: got %q, expected application/json", errUnsupportedMedia, mediaType)
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after JSON object", errBadRequest)
	}
	return nil
}

// queryInt reads an integer query parameter, falling back to def when the
// parameter is absent or unparsable.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
