package spec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafflehacks/wafflemaker/internal/spec"
)

func TestDeriveID(t *testing.T) {
	assert.Equal(t, "cms", spec.DeriveID("cms.toml"))
	assert.Equal(t, "teams/mail", spec.DeriveID("teams/Mail.toml"))
	assert.Equal(t, "cms", spec.IDTail("teams/cms"))
	assert.Equal(t, "cms.wafflehacks.tech", spec.Hostname("teams/cms", "wafflehacks.tech"))
}

func TestParseDefaults(t *testing.T) {
	raw := []byte(`
[docker]
image = "wafflehacks/cms"
`)
	s, err := spec.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "latest", s.Docker.Tag)
	assert.False(t, s.Docker.Update.Automatic)
	assert.Empty(t, s.Docker.Update.AdditionalTags)
	assert.Empty(t, s.Environment)
	assert.Empty(t, s.Secrets)
	assert.False(t, s.Web.Enabled)
}

func TestParseFull(t *testing.T) {
	raw := []byte(`
[dependencies]
postgres = { role = "shared-pg" }
redis = true

[docker]
image = "wafflehacks/cms"
tag = "develop"

[docker.update]
automatic = true
additional_tags = ["sha-*"]

[environment]
RAILS_ENV = "production"

[secrets]
loaded = "load"

[secrets.api_key]
type = "generate"
format = "base64"
length = 32
regenerate = false

[secrets.aws_creds]
type = "aws"
role = "cms"
part = "access"

[web]
enabled = true
base = "wafflehacks.tech"
`)
	s, err := spec.Parse(raw)
	require.NoError(t, err)

	dep, ok := s.Dependencies.Postgres.Resolve("POSTGRES_URL", "cms")
	require.True(t, ok)
	assert.Equal(t, spec.ResolvedDependency{Name: "POSTGRES_URL", Role: "shared-pg"}, dep)

	redisEnv, ok := s.Dependencies.Redis.Resolve("REDIS_URL")
	require.True(t, ok)
	assert.Equal(t, "REDIS_URL", redisEnv)

	assert.Equal(t, "wafflehacks/cms:develop", s.Image())
	assert.True(t, s.MatchesUpdate("develop"))
	assert.True(t, s.MatchesUpdate("sha-9f3a"))
	assert.False(t, s.MatchesUpdate("other"))

	require.Contains(t, s.Secrets, "api_key")
	assert.Equal(t, spec.SecretKindGenerate, s.Secrets["api_key"].Kind)
	assert.Equal(t, 32, s.Secrets["api_key"].GenerateLength)

	require.Contains(t, s.Secrets, "aws_creds")
	assert.Equal(t, spec.AWSPartAccess, s.Secrets["aws_creds"].AWSPart)

	require.Contains(t, s.Secrets, "loaded")
	assert.Equal(t, spec.SecretKindLoad, s.Secrets["loaded"].Kind)

	assert.True(t, s.Web.Enabled)
	assert.Equal(t, "wafflehacks.tech", s.Web.Base)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	raw := []byte(`
[docker]
image = "x"
bogus = "nope"
`)
	_, err := spec.Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsMissingImage(t *testing.T) {
	raw := []byte(`
[docker]
image = ""
`)
	_, err := spec.Parse(raw)
	assert.Error(t, err)
}

func TestParseWebRequiresBase(t *testing.T) {
	raw := []byte(`
[docker]
image = "x"

[web]
enabled = true
`)
	_, err := spec.Parse(raw)
	assert.Error(t, err)
}

func TestParseGenerateRequiresPositiveLength(t *testing.T) {
	raw := []byte(`
[docker]
image = "x"

[secrets.bad]
type = "generate"
format = "hex"
length = 0
`)
	_, err := spec.Parse(raw)
	assert.Error(t, err)
}
