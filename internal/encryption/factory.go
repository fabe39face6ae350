package encryption

import (
	"fmt"

	"backit-go/internal/backit"
	"backit-go/internal/config"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (backit.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.KeyPath == "" {
			return nil, fmt.Errorf("age encryption requires key_path")
		}
		return NewAgeEncryptor(cfg.KeyPath), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
