package ontolog

import (
	"bytes"
	"encoding/json"

	"github.com/ontolog/ontolog/internal/onterr"
)

func decodeSchemaJSON(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "decode_schema", err)
	}
	return out, nil
}
