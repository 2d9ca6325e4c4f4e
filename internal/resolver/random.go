package resolver

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/wafflehacks/wafflemaker/internal/spec"
	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// RandomSource isolates the CSPRNG used to materialize `generate` secrets,
// per spec §9's "isolate it behind a RandomSource interface" note.
type RandomSource interface {
	// Bytes returns n cryptographically strong random bytes.
	Bytes(n int) ([]byte, error)
}

// CryptoRandomSource is the production RandomSource, backed by
// crypto/rand.
type CryptoRandomSource struct{}

func (CryptoRandomSource) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

const alphanumericAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// generateValue draws a fresh secret value of the given format and length
// from src, per spec §4.3's format definitions.
func generateValue(src RandomSource, format spec.GenerateFormat, length int) (string, error) {
	switch format {
	case spec.FormatHex:
		raw, err := src.Bytes((length + 1) / 2)
		if err != nil {
			return "", wferrors.Wrap(wferrors.KindFatal, "draw random bytes", err)
		}
		return hex.EncodeToString(raw)[:length], nil

	case spec.FormatBase64:
		raw, err := src.Bytes(length)
		if err != nil {
			return "", wferrors.Wrap(wferrors.KindFatal, "draw random bytes", err)
		}
		return base64.StdEncoding.EncodeToString(raw), nil

	case spec.FormatAlphanumeric:
		raw, err := src.Bytes(length)
		if err != nil {
			return "", wferrors.Wrap(wferrors.KindFatal, "draw random bytes", err)
		}
		out := make([]byte, length)
		for i, b := range raw {
			out[i] = alphanumericAlphabet[int(b)%len(alphanumericAlphabet)]
		}
		return string(out), nil

	default:
		return "", wferrors.New(wferrors.KindFatal, "unknown generate format "+string(format))
	}
}
