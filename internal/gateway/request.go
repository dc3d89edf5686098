package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/moonbridge/moonbridge/internal/gwerr"
)

// Request is the uniform web-request object described in spec.md §4.7: a
// typed accessor layer over an args bag populated from the query string,
// POST form, multipart fields, or a WebSocket JSON-RPC params object,
// depending on where the request originated.
type Request struct {
	Path   string
	Method string
	Args   map[string]any

	// ConnID is set only for WebSocket-originated requests, identifying
	// the connection for subscription bookkeeping.
	ConnID uint64
	IsWS   bool
}

func newHTTPRequest(r *http.Request) (*Request, error) {
	args := make(map[string]any)

	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			args[k] = v[0]
		}
	}

	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		contentType := r.Header.Get("Content-Type")
		switch {
		case len(contentType) >= 16 && contentType[:16] == "application/json":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, gwerr.Client(400, "invalid JSON body: %v", err)
			}
			for k, v := range body {
				args[k] = v
			}
		case len(contentType) >= 19 && contentType[:19] == "multipart/form-data":
			if err := r.ParseMultipartForm(64 << 20); err != nil {
				return nil, gwerr.Client(400, "invalid multipart body: %v", err)
			}
			for k, v := range r.MultipartForm.Value {
				if len(v) > 0 {
					args[k] = v[0]
				}
			}
		default:
			if err := r.ParseForm(); err == nil {
				for k, v := range r.PostForm {
					if len(v) > 0 {
						args[k] = v[0]
					}
				}
			}
		}
	}

	return &Request{Path: r.URL.Path, Method: r.Method, Args: args}, nil
}

func newWSRequest(connID uint64, method string, params json.RawMessage) (*Request, error) {
	args := make(map[string]any)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			// params may be a positional array rather than an object;
			// leave args empty in that case, per spec.md §6.
			args = make(map[string]any)
		}
	}
	return &Request{Path: method, Method: "WS", Args: args, ConnID: connID, IsWS: true}, nil
}

// GetStr returns the string value at key, or def if absent.
func (r *Request) GetStr(key string, def ...string) (string, error) {
	v, ok := r.Args[key]
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return "", gwerr.Client(400, "missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", gwerr.Client(400, "argument %q is not a string", key)
	}
	return s, nil
}

// GetInt returns the integer value at key, or def if absent.
func (r *Request) GetInt(key string, def ...int64) (int64, error) {
	v, ok := r.Args[key]
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return 0, gwerr.Client(400, "missing argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, gwerr.Client(400, "argument %q is not an integer", key)
		}
		return parsed, nil
	default:
		return 0, gwerr.Client(400, "argument %q is not an integer", key)
	}
}

// GetFloat returns the floating-point value at key, or def if absent.
func (r *Request) GetFloat(key string, def ...float64) (float64, error) {
	v, ok := r.Args[key]
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return 0, gwerr.Client(400, "missing argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, gwerr.Client(400, "argument %q is not a number", key)
		}
		return parsed, nil
	default:
		return 0, gwerr.Client(400, "argument %q is not a number", key)
	}
}

// GetBool returns the boolean value at key, accepting both JSON booleans
// and the "true"/"false" string forms HTTP query/form args arrive as.
func (r *Request) GetBool(key string, def ...bool) (bool, error) {
	v, ok := r.Args[key]
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return false, gwerr.Client(400, "missing argument %q", key)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, gwerr.Client(400, "argument %q is not a boolean", key)
		}
		return parsed, nil
	default:
		return false, gwerr.Client(400, "argument %q is not a boolean", key)
	}
}
