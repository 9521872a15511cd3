package bus

import "encoding/json"

// Decode unmarshals raw envelope data into a typed payload, ignoring any
// unknown fields a newer publisher version may have added.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
