package mynah

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Value stores the content as a JSON document.
func (c RecordContent) Value() (driver.Value, error) {
	byts, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error encoding record content: %w", err)
	}

	return string(byts), nil
}

func (c *RecordContent) Scan(src any) error {
	var byts []byte
	switch src := src.(type) {
	case string:
		byts = []byte(src)
	case []byte:
		byts = src
	case nil:
		*c = RecordContent{}
		return nil
	default:
		return fmt.Errorf("unexpected record content type %T", src)
	}

	if err := json.Unmarshal(byts, c); err != nil {
		return fmt.Errorf("error decoding record content: %w", err)
	}

	return nil
}
