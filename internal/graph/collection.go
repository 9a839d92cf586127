package graph

import (
	"context"
	"encoding/json"
)

// maxPages guards against a nextLink loop.
const maxPages = 50

type page struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// Getter is satisfied by *Client and by test doubles.
type Getter interface {
	Get(ctx context.Context, endpoint string, out any) error
}

// List fetches a collection and follows @odata.nextLink until exhausted.
func List[T any](ctx context.Context, c Getter, endpoint string) ([]T, error) {
	var out []T
	next := endpoint
	for i := 0; next != "" && i < maxPages; i++ {
		var p page
		if err := c.Get(ctx, next, &p); err != nil {
			return nil, err
		}
		for _, raw := range p.Value {
			var item T
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		next = p.NextLink
	}
	return out, nil
}
