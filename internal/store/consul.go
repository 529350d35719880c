package store

import (
	"fmt"
	"strings"

	"github.com/hashicorp/consul/api"
)

// ConsulBackend keeps account state in the Consul KV tree, for infrastructure
// agents that already speak Consul. Layout: <prefix>/<namespace>/<key>.
type ConsulBackend struct {
	kv     *api.KV
	prefix string
}

// NewConsulBackend connects to a Consul agent.
func NewConsulBackend(addr, prefix string) (*ConsulBackend, error) {
	config := api.DefaultConfig()
	if addr != "" {
		config.Address = addr
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	if prefix == "" {
		prefix = "librelay"
	}
	return &ConsulBackend{kv: client.KV(), prefix: prefix}, nil
}

func (c *ConsulBackend) path(namespace, key string) string {
	return fmt.Sprintf("%s/%s/%s", c.prefix, namespace, key)
}

func (c *ConsulBackend) Set(namespace, key string, value []byte) error {
	_, err := c.kv.Put(&api.KVPair{Key: c.path(namespace, key), Value: value}, nil)
	return err
}

func (c *ConsulBackend) Get(namespace, key string) ([]byte, error) {
	pair, _, err := c.kv.Get(c.path(namespace, key), nil)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, ErrNotFound
	}
	return pair.Value, nil
}

func (c *ConsulBackend) Remove(namespace, key string) error {
	_, err := c.kv.Delete(c.path(namespace, key), nil)
	return err
}

func (c *ConsulBackend) Has(namespace, key string) (bool, error) {
	pair, _, err := c.kv.Get(c.path(namespace, key), nil)
	if err != nil {
		return false, err
	}
	return pair != nil, nil
}

func (c *ConsulBackend) Keys(namespace, prefix string) ([]string, error) {
	base := fmt.Sprintf("%s/%s/", c.prefix, namespace)
	paths, _, err := c.kv.Keys(base+prefix, "", nil)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		keys = append(keys, strings.TrimPrefix(p, base))
	}
	return keys, nil
}

func (c *ConsulBackend) Close() error {
	return nil
}
