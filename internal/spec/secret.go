package spec

import "fmt"

// SecretKind discriminates the tagged union backing SecretDecl.
type SecretKind string

const (
	SecretKindLoad     SecretKind = "load"
	SecretKindAWS      SecretKind = "aws"
	SecretKindGenerate SecretKind = "generate"
)

// AWSPart selects which half of an AWS credential pair a secret exposes.
type AWSPart string

const (
	AWSPartAccess AWSPart = "access"
	AWSPartSecret AWSPart = "secret"
)

// GenerateFormat selects the alphabet/encoding used for a generated secret.
type GenerateFormat string

const (
	FormatAlphanumeric GenerateFormat = "alphanumeric"
	FormatBase64       GenerateFormat = "base64"
	FormatHex          GenerateFormat = "hex"
)

// SecretDecl is one entry in a service's `secrets` table. It is one of:
// the string "load", an aws-kind table, or a generate-kind table.
type SecretDecl struct {
	Kind SecretKind

	// aws
	AWSRole string
	AWSPart AWSPart

	// generate
	GenerateFormat     GenerateFormat
	GenerateLength     int
	GenerateRegenerate bool
}

// UnmarshalTOML dispatches on whether the TOML value is the string "load"
// or a table with a `type` discriminator, mirroring the Rust source's
// hand-written Deserialize impl in wafflemaker-service/src/secret.rs —
// go-toml/v2 has no built-in support for a tagged union like this.
func (s *SecretDecl) UnmarshalTOML(value interface{}) error {
	switch v := value.(type) {
	case string:
		if v != "load" {
			return fmt.Errorf("secret string value must be 'load', got %q", v)
		}
		s.Kind = SecretKindLoad
		return nil

	case map[string]interface{}:
		kind, _ := v["type"].(string)
		switch kind {
		case "aws":
			role, ok := v["role"].(string)
			if !ok || role == "" {
				return fmt.Errorf("aws secret requires a non-empty 'role'")
			}
			part, _ := v["part"].(string)
			switch AWSPart(part) {
			case AWSPartAccess, AWSPartSecret:
			default:
				return fmt.Errorf("aws secret 'part' must be 'access' or 'secret', got %q", part)
			}
			s.Kind = SecretKindAWS
			s.AWSRole = role
			s.AWSPart = AWSPart(part)
			return nil

		case "generate":
			format, _ := v["format"].(string)
			switch GenerateFormat(format) {
			case FormatAlphanumeric, FormatBase64, FormatHex:
			default:
				return fmt.Errorf("generate secret 'format' must be alphanumeric, base64, or hex, got %q", format)
			}
			length, err := toInt(v["length"])
			if err != nil {
				return fmt.Errorf("generate secret 'length': %w", err)
			}
			if length < 1 {
				return fmt.Errorf("generate secret 'length' must be >= 1, got %d", length)
			}
			regenerate, _ := v["regenerate"].(bool)

			s.Kind = SecretKindGenerate
			s.GenerateFormat = GenerateFormat(format)
			s.GenerateLength = length
			s.GenerateRegenerate = regenerate
			return nil

		default:
			return fmt.Errorf("unknown secret type %q, expected 'aws' or 'generate'", kind)
		}

	default:
		return fmt.Errorf("secret must be the string 'load' or a table, got %T", value)
	}
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
