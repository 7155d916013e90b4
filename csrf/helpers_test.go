package csrf_test

import (
	"encoding/json"
	"net/http/httptest"
)

func decodeJSON(rec *httptest.ResponseRecorder, v any) error {
	return json.NewDecoder(rec.Body).Decode(v)
}
