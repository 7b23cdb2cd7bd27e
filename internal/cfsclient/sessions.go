package cfsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ListSessions fetches every session CFS currently holds, following the
// `next` pagination cursor until it is null.
func (c *Client) ListSessions(ctx context.Context) ([]SessionDocument, error) {
	var all []SessionDocument
	query := url.Values{}
	for {
		var page sessionListResponse
		if err := c.doJSON(ctx, "sessions.list", "GET", "/sessions", query, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Sessions...)

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

// GetSession fetches a single session by name. A 404 is surfaced as
// SessionNotFoundError so callers can distinguish "deleted" from other
// transport failures.
func (c *Client) GetSession(ctx context.Context, name string) (*SessionDocument, error) {
	var doc SessionDocument
	err := c.doJSON(ctx, "sessions.get", "GET", "/sessions/"+name, nil, nil, &doc)
	if err != nil {
		var httpErr *HTTPStatusError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 404 {
			return nil, &SessionNotFoundError{Name: name}
		}
		return nil, err
	}
	return &doc, nil
}

// GetSessionStatus fetches a session and returns its status (verbatim, as
// CFS reports it) and raw succeeded string ("true"|"false"|"unknown"|"").
func (c *Client) GetSessionStatus(ctx context.Context, name string) (status, succeeded string, err error) {
	doc, err := c.GetSession(ctx, name)
	if err != nil {
		return "", "", err
	}
	return doc.Status.Session.Status, doc.Status.Session.Succeeded, nil
}

// CreateSession submits a new CFS session under the given name.
func (c *Client) CreateSession(ctx context.Context, name, configName, configLimit, ansibleLimit string, tags map[string]string) error {
	req := CreateSessionRequest{
		Name:               name,
		ConfigurationName:  configName,
		ConfigurationLimit: configLimit,
		AnsibleLimit:       ansibleLimit,
		Target:             SessionTarget{Definition: "dynamic"},
		Tags:               tags,
	}
	return c.doJSON(ctx, "sessions.create", "POST", "/sessions", nil, req, nil)
}

// DeleteSession removes a session, used when a dispatched session is stuck
// pending past the configured timeout.
func (c *Client) DeleteSession(ctx context.Context, name string) error {
	return c.doJSON(ctx, "sessions.delete", "DELETE", "/sessions/"+name, nil, nil, nil)
}
