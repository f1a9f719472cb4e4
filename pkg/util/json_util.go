package util

import (
	"io"

	"github.com/goccy/go-json"
)

func WriteIndentedJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
