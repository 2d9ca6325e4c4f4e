// Package resolver materializes a service's declared dependencies and
// secrets into a concrete environment map, issuing leases for any dynamic
// credentials drawn along the way and returning them to the caller to
// persist and track (spec §4.4).
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/secretstore"
	"github.com/wafflehacks/wafflemaker/internal/spec"
	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// Config carries the deployment-wide connection info used to build
// dependency URLs; it is not part of any individual ServiceSpec.
type Config struct {
	PostgresHost string
	RedisHost    string
}

// Resolver produces (env, issued_leases) from a ServiceSpec (spec §4.4).
type Resolver struct {
	store  secretstore.Store
	random RandomSource
	config Config
}

// New builds a Resolver against a secret store and CSPRNG.
func New(store secretstore.Store, random RandomSource, config Config) *Resolver {
	return &Resolver{store: store, random: random, config: config}
}

type awsCreds struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

type dbCreds struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type generatedValue struct {
	Value string `json:"value"`
}

type loadedValue struct {
	Value string `json:"value"`
}

// Resolve materializes every enabled dependency and declared secret for
// id/s into an environment map and the set of leases issued along the way.
func (r *Resolver) Resolve(ctx context.Context, id string, s *spec.ServiceSpec) (map[string]string, []registry.Lease, error) {
	env := map[string]string{}
	for k, v := range s.Environment {
		env[k] = v
	}
	var leases []registry.Lease

	if resolved, ok := s.Dependencies.Postgres.Resolve("POSTGRES_URL", id); ok {
		creds, lease, err := r.issueDynamic(ctx, "database", resolved.Role)
		if err != nil {
			return nil, nil, wferrors.Wrap(wferrors.KindUpstream, "resolve postgres dependency", err)
		}
		var c dbCreds
		if err := decodeCreds(creds.Data, &c); err != nil {
			return nil, nil, err
		}
		database := spec.IDTail(id)
		env[resolved.Name] = fmt.Sprintf("postgres://%s:%s@%s/%s", c.Username, c.Password, r.config.PostgresHost, database)
		lease.ServiceID = id
		leases = append(leases, lease)
	}

	if name, ok := s.Dependencies.Redis.Resolve("REDIS_URL"); ok {
		env[name] = fmt.Sprintf("redis://%s", r.config.RedisHost)
	}

	for name, decl := range s.Secrets {
		envName := strings.ToUpper(name)
		switch decl.Kind {
		case spec.SecretKindLoad:
			var v loadedValue
			path := fmt.Sprintf("services/%s/%s", id, name)
			if err := r.store.ReadJSON(ctx, path, &v); err != nil {
				return nil, nil, wferrors.Wrap(wferrors.KindFatal, "load secret "+name, err)
			}
			env[envName] = v.Value

		case spec.SecretKindAWS:
			creds, lease, err := r.issueDynamic(ctx, "aws", decl.AWSRole)
			if err != nil {
				return nil, nil, wferrors.Wrap(wferrors.KindUpstream, "resolve aws secret "+name, err)
			}
			var c awsCreds
			if err := decodeCreds(creds.Data, &c); err != nil {
				return nil, nil, err
			}
			switch decl.AWSPart {
			case spec.AWSPartAccess:
				env[envName] = c.AccessKeyID
			case spec.AWSPartSecret:
				env[envName] = c.SecretAccessKey
			}
			lease.ServiceID = id
			leases = append(leases, lease)

		case spec.SecretKindGenerate:
			value, err := r.resolveGenerate(ctx, id, name, decl)
			if err != nil {
				return nil, nil, err
			}
			env[envName] = value

		default:
			return nil, nil, wferrors.New(wferrors.KindFatal, "unknown secret kind for "+name)
		}
	}

	return env, leases, nil
}

func (r *Resolver) resolveGenerate(ctx context.Context, id, name string, decl spec.SecretDecl) (string, error) {
	path := fmt.Sprintf("services/%s/%s", id, name)

	if !decl.GenerateRegenerate {
		var existing generatedValue
		err := r.store.ReadJSON(ctx, path, &existing)
		if err == nil {
			return existing.Value, nil
		}
		if !wferrors.Is(err, wferrors.KindNotFound) {
			return "", wferrors.Wrap(wferrors.KindUpstream, "read prior generated value for "+name, err)
		}
	}

	value, err := generateValue(r.random, decl.GenerateFormat, decl.GenerateLength)
	if err != nil {
		return "", wferrors.Wrap(wferrors.KindFatal, "generate secret "+name, err)
	}
	if err := r.store.WriteJSON(ctx, path, generatedValue{Value: value}); err != nil {
		return "", wferrors.Wrap(wferrors.KindUpstream, "persist generated value for "+name, err)
	}
	return value, nil
}

func (r *Resolver) issueDynamic(ctx context.Context, engine, role string) (secretstore.DynamicSecret, registry.Lease, error) {
	ds, err := r.store.IssueDynamic(ctx, engine, role)
	if err != nil {
		return secretstore.DynamicSecret{}, registry.Lease{}, err
	}
	return ds, registry.Lease{
		ID:         ds.LeaseID,
		Expiration: expirationFromTTL(ds.TTL),
	}, nil
}
