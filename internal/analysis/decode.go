package analysis

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// decodeFile turns a fetched output into the value handed to Map, chosen by
// file extension: JSON becomes the unmarshalled object, CSV a row table,
// plain text a string, and anything else the raw bytes.
func decodeFile(filename string, data []byte) (interface{}, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".json":
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filename, err)
		}
		return v, nil
	case ".csv":
		rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", filename, err)
		}
		return rows, nil
	case ".txt":
		return string(data), nil
	default:
		return data, nil
	}
}
