package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

// IdentityDirectory maps agent ids to their owner and operators.
type IdentityDirectory interface {
	Exists(ctx context.Context, agentID domain.Hash) (bool, error)
	OwnerOf(ctx context.Context, agentID domain.Hash) (domain.Address, error)
	IsOperator(ctx context.Context, agentID domain.Hash, principal domain.Address) (bool, error)
}

// ===== Redis-backed directory =====

type RedisIdentityDirectory struct {
	rdb *redis.Client
}

func NewRedisIdentityDirectory(rdb *redis.Client) *RedisIdentityDirectory {
	return &RedisIdentityDirectory{rdb: rdb}
}

func (d *RedisIdentityDirectory) keyAgents() string { return "validq:agents" }

func (d *RedisIdentityDirectory) Register(ctx context.Context, agent domain.Agent) error {
	if agent.ID.IsZero() || agent.Owner.IsZero() {
		return fmt.Errorf("%w: agent id and owner are required", domain.ErrInvalidArgument)
	}
	b, _ := json.Marshal(agent)
	return d.rdb.HSet(ctx, d.keyAgents(), agent.ID.String(), string(b)).Err()
}

func (d *RedisIdentityDirectory) agent(ctx context.Context, id domain.Hash) (*domain.Agent, error) {
	js, err := d.rdb.HGet(ctx, d.keyAgents(), id.String()).Result()
	if err == redis.Nil {
		return nil, domain.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis HGET agent: %v", domain.ErrDependency, err)
	}
	var a domain.Agent
	if err := json.Unmarshal([]byte(js), &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &a, nil
}

func (d *RedisIdentityDirectory) Exists(ctx context.Context, id domain.Hash) (bool, error) {
	n, err := d.rdb.HExists(ctx, d.keyAgents(), id.String()).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis HEXISTS agent: %v", domain.ErrDependency, err)
	}
	return n, nil
}

func (d *RedisIdentityDirectory) OwnerOf(ctx context.Context, id domain.Hash) (domain.Address, error) {
	a, err := d.agent(ctx, id)
	if err != nil {
		return domain.Address{}, err
	}
	return a.Owner, nil
}

func (d *RedisIdentityDirectory) IsOperator(ctx context.Context, id domain.Hash, principal domain.Address) (bool, error) {
	a, err := d.agent(ctx, id)
	if err != nil {
		return false, err
	}
	return a.Controls(principal), nil
}

// ===== HTTP directory =====

// HTTPIdentityDirectory reads GET {base}/agents/{id} -> domain.Agent (404 when unknown).
type HTTPIdentityDirectory struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPIdentityDirectory(baseURL, apiKey string, timeout time.Duration) *HTTPIdentityDirectory {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPIdentityDirectory{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

func (d *HTTPIdentityDirectory) agent(ctx context.Context, id domain.Hash) (*domain.Agent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/agents/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	if d.apiKey != "" {
		req.Header.Set("X-Api-Key", d.apiKey)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: identity directory: %v", domain.ErrDependency, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrAgentNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: identity directory status %d", domain.ErrDependency, resp.StatusCode)
	}
	var a domain.Agent
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: decode agent: %v", domain.ErrDependency, err)
	}
	if a.Owner.IsZero() {
		return nil, domain.ErrAgentNotFound
	}
	return &a, nil
}

func (d *HTTPIdentityDirectory) Exists(ctx context.Context, id domain.Hash) (bool, error) {
	_, err := d.agent(ctx, id)
	if err == domain.ErrAgentNotFound {
		return false, nil
	}
	return err == nil, err
}

func (d *HTTPIdentityDirectory) OwnerOf(ctx context.Context, id domain.Hash) (domain.Address, error) {
	a, err := d.agent(ctx, id)
	if err != nil {
		return domain.Address{}, err
	}
	return a.Owner, nil
}

func (d *HTTPIdentityDirectory) IsOperator(ctx context.Context, id domain.Hash, principal domain.Address) (bool, error) {
	a, err := d.agent(ctx, id)
	if err != nil {
		return false, err
	}
	return a.Controls(principal), nil
}
