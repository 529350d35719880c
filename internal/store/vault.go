package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultBackend keeps account state in Vault KVv2. Identity keys are exactly the
// kind of secret operators want under Vault's audit trail; values are base64
// strings inside one secret per namespace/key.
type VaultBackend struct {
	client    *api.Client
	mountPath string
	basePath  string
}

// NewVaultBackend connects to Vault and verifies the server is reachable.
func NewVaultBackend(addr, token, mountPath, basePath string) (*VaultBackend, error) {
	config := &api.Config{Address: addr}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	if mountPath == "" {
		mountPath = "secret"
	}
	if basePath == "" {
		basePath = "librelay"
	}
	return &VaultBackend{client: client, mountPath: mountPath, basePath: basePath}, nil
}

func (v *VaultBackend) secretPath(namespace, key string) string {
	return fmt.Sprintf("%s/%s/%s", v.basePath, namespace, key)
}

func (v *VaultBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (v *VaultBackend) Set(namespace, key string, value []byte) error {
	ctx, cancel := v.ctx()
	defer cancel()

	_, err := v.client.KVv2(v.mountPath).Put(ctx, v.secretPath(namespace, key),
		map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(value),
		})
	return err
}

func (v *VaultBackend) Get(namespace, key string) ([]byte, error) {
	ctx, cancel := v.ctx()
	defer cancel()

	secret, err := v.client.KVv2(v.mountPath).Get(ctx, v.secretPath(namespace, key))
	if err != nil {
		if strings.Contains(err.Error(), "secret not found") {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	encoded, ok := secret.Data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("malformed secret at %s", v.secretPath(namespace, key))
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (v *VaultBackend) Remove(namespace, key string) error {
	ctx, cancel := v.ctx()
	defer cancel()

	err := v.client.KVv2(v.mountPath).DeleteMetadata(ctx, v.secretPath(namespace, key))
	if err != nil && strings.Contains(err.Error(), "404") {
		return nil
	}
	return err
}

func (v *VaultBackend) Has(namespace, key string) (bool, error) {
	_, err := v.Get(namespace, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (v *VaultBackend) Keys(namespace, prefix string) ([]string, error) {
	ctx, cancel := v.ctx()
	defer cancel()

	listPath := fmt.Sprintf("%s/metadata/%s/%s", v.mountPath, v.basePath, namespace)
	secret, err := v.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var keys []string
	for _, item := range raw {
		k, ok := item.(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (v *VaultBackend) Close() error {
	return nil
}
