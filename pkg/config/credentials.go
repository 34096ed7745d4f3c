package config

import (
	"fmt"
	"os"
	"strings"
)

// Credentials are the resolved BMS login for one entity.
type Credentials struct {
	Username string
	Password string
	Domain   string
}

// ResolveCredentials resolves BMS credentials for an entity. Resolution
// order: explicit arguments, BMS_USERNAME/BMS_PASSWORD, the entity's
// credential_ref prefix, legacy BUILDING_<id>_* variables, legacy
// ARRIGO_* variables. Missing credentials are fatal for the entity.
func ResolveCredentials(entity *Entity, explicitUser, explicitPass string) (Credentials, error) {
	if explicitUser != "" && explicitPass != "" {
		return Credentials{
			Username: explicitUser,
			Password: explicitPass,
			Domain:   entity.Connection.Domain,
		}, nil
	}

	if user, pass := os.Getenv("BMS_USERNAME"), os.Getenv("BMS_PASSWORD"); user != "" && pass != "" {
		return Credentials{Username: user, Password: pass, Domain: entity.Connection.Domain}, nil
	}

	if ref := entity.Connection.CredentialRef; ref != "" {
		prefix := envSafe(ref)
		user := os.Getenv(prefix + "_USERNAME")
		pass := os.Getenv(prefix + "_PASSWORD")
		if user != "" && pass != "" {
			domain := os.Getenv(prefix + "_DOMAIN")
			if domain == "" {
				domain = entity.Connection.Domain
			}
			return Credentials{Username: user, Password: pass, Domain: domain}, nil
		}
	}

	legacy := "BUILDING_" + envSafe(entity.ID())
	if user, pass := os.Getenv(legacy+"_USERNAME"), os.Getenv(legacy+"_PASSWORD"); user != "" && pass != "" {
		return Credentials{Username: user, Password: pass, Domain: entity.Connection.Domain}, nil
	}

	if user, pass := os.Getenv("ARRIGO_USERNAME"), os.Getenv("ARRIGO_PASSWORD"); user != "" && pass != "" {
		return Credentials{Username: user, Password: pass, Domain: entity.Connection.Domain}, nil
	}

	return Credentials{}, fmt.Errorf("no credentials found for entity [%s] (credential_ref %q)", entity.ID(), entity.Connection.CredentialRef)
}

// envSafe uppercases an identifier and replaces characters that cannot
// appear in environment variable names.
func envSafe(id string) string {
	id = strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return replacer.Replace(id)
}
