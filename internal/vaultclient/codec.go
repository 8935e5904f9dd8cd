package vaultclient

import "encoding/json"

// encodeSecret round-trips a typed record through JSON into the
// map[string]interface{} shape the vault KV API writes expect.
func encodeSecret(in interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// decodeSecret round-trips a vault KV read's Data map back into a typed
// record via JSON, tolerating the map[string]interface{} shape the api
// package returns.
func decodeSecret(data map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
