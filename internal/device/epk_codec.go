package device

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/northlane-systems/seedauth/internal/jwk"
)

// The negotiation transcript carries the per-step public-key map as a
// JSON object keyed by the decimal step number, since JSON object keys are
// always strings; each entry is read back by parsing its key as an
// integer step.
func marshalEpkJSON(m map[int]jwk.Public) ([]byte, error) {
	strKeyed := make(map[string]jwk.Public, len(m))
	for step, pk := range m {
		strKeyed[strconv.Itoa(step)] = pk
	}
	return json.Marshal(strKeyed)
}

func unmarshalEpk(data []byte, out *map[int]jwk.Public) error {
	var strKeyed map[string]jwk.Public
	if err := json.Unmarshal(data, &strKeyed); err != nil {
		return fmt.Errorf("bad epk json: %w", err)
	}
	result := make(map[int]jwk.Public, len(strKeyed))
	for k, v := range strKeyed {
		step, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("bad epk step %q: %w", k, err)
		}
		result[step] = v
	}
	*out = result
	return nil
}
