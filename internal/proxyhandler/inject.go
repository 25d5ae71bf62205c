package proxyhandler

import "github.com/tidwall/sjson"

// sjsonSetBool sets a dotted JSON path to a boolean value without a full
// unmarshal/marshal round-trip, used for the stream_options.include_usage
// injection.
func sjsonSetBool(body []byte, path string, value bool) ([]byte, error) {
	return sjson.SetBytes(body, path, value)
}
