package authentication

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v2"
)

type (
	config struct {
		JWT                 *jwtConfig           `yaml:"jwt"`
		OAuth2Introspection *oauth2introspection `yaml:"oauth2-introspection"`
	}

	jwtConfig struct {
		// PublicKey names the secret holding the PEM encoded RSA key.
		PublicKey string `yaml:"publicKey"`
		Issuer    string `yaml:"issuer"`
	}

	oauth2introspection struct {
		BaseURL          string   `yaml:"baseUrl"`
		RequiredScope    []string `yaml:"requiredScope,flow"`
		RequiredAudience []string `yaml:"requiredAudience,flow"`
	}
)

func parseConfig(configDataSource io.Reader) (*config, error) {
	var c struct {
		Authentication config `yaml:"authentication"`
	}

	if err := yaml.NewDecoder(configDataSource).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config data: %w", err)
	}

	return &c.Authentication, nil
}
