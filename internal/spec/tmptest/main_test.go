package tmptest

import (
	"fmt"
	"testing"
	"github.com/wafflehacks/wafflemaker/internal/spec"
)

func TestRepro(t *testing.T) {
	raw := []byte(`
[dependencies]
postgres = { role = "shared-pg" }
redis = true
[docker]
image = "wafflehacks/cms"
`)
	s, err := spec.Parse(raw)
	fmt.Println(s, err)
}
