package crypto

import "fmt"

// Credentials - расшифрованная пара ключей биржи
type Credentials struct {
	APIKey    string
	SecretKey string
}

// SealedCredentials - пара ключей в том виде, в котором она лежит в БД
type SealedCredentials struct {
	APIKeyEnc    string
	SecretKeyEnc string
}

func credentialLabel(strategyID int, exchange, field string) string {
	return fmt.Sprintf("strategy:%d:%s:%s", strategyID, exchange, field)
}

// SealCredentials шифрует ключи стратегии
func (c *Cipher) SealCredentials(strategyID int, exchange string, creds Credentials) (SealedCredentials, error) {
	apiEnc, err := c.Seal(creds.APIKey, credentialLabel(strategyID, exchange, "api_key"))
	if err != nil {
		return SealedCredentials{}, err
	}
	secretEnc, err := c.Seal(creds.SecretKey, credentialLabel(strategyID, exchange, "secret_key"))
	if err != nil {
		return SealedCredentials{}, err
	}
	return SealedCredentials{APIKeyEnc: apiEnc, SecretKeyEnc: secretEnc}, nil
}

// OpenCredentials расшифровывает ключи стратегии
func (c *Cipher) OpenCredentials(strategyID int, exchange string, sealed SealedCredentials) (Credentials, error) {
	apiKey, err := c.Open(sealed.APIKeyEnc, credentialLabel(strategyID, exchange, "api_key"))
	if err != nil {
		return Credentials{}, fmt.Errorf("api key: %w", err)
	}
	secret, err := c.Open(sealed.SecretKeyEnc, credentialLabel(strategyID, exchange, "secret_key"))
	if err != nil {
		return Credentials{}, fmt.Errorf("secret key: %w", err)
	}
	return Credentials{APIKey: apiKey, SecretKey: secret}, nil
}
