package fetch

import (
	"encoding/json"
	"fmt"
)

func encodeJSON(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	}
	buff, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("fetch: encode body: %w", err)
	}
	return buff, nil
}
