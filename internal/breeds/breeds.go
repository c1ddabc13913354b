// Package breeds answers whether a breed name is recognized by an external catalogue.
package breeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrUnavailable is wrapped by every failure to reach or read the catalogue.
var ErrUnavailable = errors.New("breed catalogue unavailable")

type Validator interface {
	IsRecognized(ctx context.Context, name string) (bool, error)
}

// CatAPI validates against a TheCatAPI-compatible endpoint returning [{"name": ...}].
type CatAPI struct {
	URL    string
	APIKey string
	Client *http.Client
}

type breedRecord struct {
	Name string `json:"name"`
}

func (c CatAPI) IsRecognized(ctx context.Context, name string) (bool, error) {
	names, err := c.Catalogue(ctx)
	if err != nil {
		return false, err
	}
	return contains(names, name), nil
}

// Catalogue fetches every breed name the endpoint knows.
func (c CatAPI) Catalogue(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build breeds request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var records []breedRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		if r.Name != "" {
			names = append(names, r.Name)
		}
	}
	return names, nil
}

// Static recognizes a fixed allow-list.
type Static struct {
	Names []string
}

func (s Static) IsRecognized(_ context.Context, name string) (bool, error) {
	return contains(s.Names, name), nil
}

// Cached remembers answers of Next for the cache TTL. Errors are not cached.
type Cached struct {
	Next  Validator
	cache *expirable.LRU[string, bool]
}

func NewCached(next Validator, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 256
	}
	return &Cached{Next: next, cache: expirable.NewLRU[string, bool](size, nil, ttl)}
}

func (c *Cached) IsRecognized(ctx context.Context, name string) (bool, error) {
	key := normalize(name)
	if ok, hit := c.cache.Get(key); hit {
		return ok, nil
	}
	ok, err := c.Next.IsRecognized(ctx, name)
	if err != nil {
		return false, err
	}
	c.cache.Add(key, ok)
	return ok, nil
}

func contains(names []string, name string) bool {
	want := normalize(name)
	if want == "" {
		return false
	}
	for _, n := range names {
		if normalize(n) == want {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
