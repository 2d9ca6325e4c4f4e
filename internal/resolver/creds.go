package resolver

import (
	"encoding/json"
	"time"

	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// decodeCreds re-marshals a dynamic secret's loosely typed Data map into a
// concrete struct.
func decodeCreds(data map[string]string, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "encode dynamic credential", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "decode dynamic credential", err)
	}
	return nil
}

func expirationFromTTL(ttl time.Duration) time.Time {
	return time.Now().Add(ttl)
}
