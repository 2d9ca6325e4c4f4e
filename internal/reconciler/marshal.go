package reconciler

import (
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/wafflehacks/wafflemaker/internal/spec"
)

func marshalSpec(s *spec.ServiceSpec) (datatypes.JSON, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
