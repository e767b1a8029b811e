package survey

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// ToJSON serialises the payload to a self-contained blob.
func (s *Survey) ToJSON() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal survey: %w", err)
	}

	return data, nil
}

// FromJSON rebuilds a payload from a blob produced by ToJSON.
func FromJSON(data []byte) (*Survey, error) {
	var s Survey

	err := json.Unmarshal(data, &s)
	if err != nil {
		return nil, fmt.Errorf("unmarshal survey: %w", err)
	}

	return &s, nil
}

// ParseModelJSON decodes model-emitted JSON into dst. Model output is often
// slightly malformed (trailing commas, unquoted keys, fenced blocks), so a
// failed strict decode falls back to jsonrepair before giving up.
func ParseModelJSON(raw string, dst any) error {
	strictErr := json.Unmarshal([]byte(raw), dst)
	if strictErr == nil {
		return nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return fmt.Errorf("repair model json: %w (strict: %w)", repairErr, strictErr)
	}

	err := json.Unmarshal([]byte(repaired), dst)
	if err != nil {
		return fmt.Errorf("unmarshal repaired model json: %w", err)
	}

	return nil
}
