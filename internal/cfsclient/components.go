package cfsclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// ListComponentsOptions filters a components listing.
type ListComponentsOptions struct {
	Enabled *bool
	Status  string
	IDs     []string
}

// ListComponents fetches every component matching opts, following CFS's
// `next` pagination cursor until it is null. configDetails and stateDetails
// are always requested so desired/current state is present on every
// returned document.
func (c *Client) ListComponents(ctx context.Context, opts ListComponentsOptions) ([]ComponentDocument, error) {
	query := url.Values{}
	if opts.Enabled != nil {
		query.Set("enabled", fmt.Sprintf("%t", *opts.Enabled))
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if len(opts.IDs) > 0 {
		query.Set("ids", strings.Join(opts.IDs, ","))
	}
	query.Set("configDetails", "true")
	query.Set("stateDetails", "true")

	var all []ComponentDocument
	for {
		var page componentListResponse
		if err := c.doJSON(ctx, "components.list", "GET", "/components", query, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Components...)

		if len(page.Next) == 0 {
			return all, nil
		}
		next := url.Values{}
		for k, v := range page.Next {
			next.Set(k, fmt.Sprintf("%v", v))
		}
		query = next
	}
}

// GetComponent fetches a single component by id.
func (c *Client) GetComponent(ctx context.Context, id string) (*ComponentDocument, error) {
	query := url.Values{"configDetails": {"true"}, "stateDetails": {"true"}}
	var doc ComponentDocument
	if err := c.doJSON(ctx, "components.get", "GET", "/components/"+id, query, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// PatchComponent updates a single component's state/error-count.
func (c *Client) PatchComponent(ctx context.Context, id string, patch ComponentPatch) error {
	return c.doJSON(ctx, "components.patch", "PATCH", "/components/"+id, nil, patch, nil)
}
