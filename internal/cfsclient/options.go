package cfsclient

import "context"

// GetOptions fetches the raw options document from CFS.
func (c *Client) GetOptions(ctx context.Context) (map[string]any, error) {
	var doc map[string]any
	if err := c.doJSON(ctx, "options.get", "GET", "/options", nil, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// PatchOptions writes missing option keys back to CFS.
func (c *Client) PatchOptions(ctx context.Context, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	return c.doJSON(ctx, "options.patch", "PATCH", "/options", nil, patch, nil)
}
