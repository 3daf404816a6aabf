package exports

import (
	"bytes"
	"encoding/json"

	"stakearena/storage/archive"
)

// ResultsJSONL writes one archived record per line, checksum included, so each
// line can be verified on its own with archive.Record.Verify.
func ResultsJSONL(records []archive.Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
