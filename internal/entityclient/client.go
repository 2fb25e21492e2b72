// Package entityclient is the HTTP client for the entity service, the system of
// record that owns entity snapshots and provenance edges.
package entityclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"searchsync/pkg/domain"
)

type tokenKey struct{}

// ContextWithToken attaches a bearer token for entity service calls made with ctx.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the bearer token stored by ContextWithToken.
func TokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(tokenKey{}).(string)
	return tok
}

// Client talks to the entity service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithStaticToken sets the token used when the request context carries none.
func WithStaticToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger used for upstream failures.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// New returns a client rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("entityclient: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, "entityclient: parse base url")
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetDocument fetches the full snapshot of one entity.
func (c *Client) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var doc domain.Document
	if err := c.getJSON(ctx, id, "/documents/"+url.PathEscape(id), &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &domain.UpstreamError{Target: id, URL: c.baseURL + "/documents/" + id, Err: errors.New("empty document")}
	}
	return doc, nil
}

// GetIDsByRelation returns the ids related to id through rel.
func (c *Client) GetIDsByRelation(ctx context.Context, id string, rel domain.Relation) ([]string, error) {
	var path string
	switch rel {
	case domain.RelAncestors, domain.RelDescendants, domain.RelParents, domain.RelChildren,
		domain.RelPreviousRevisions, domain.RelNextRevisions:
		path = "/" + string(rel) + "/" + url.PathEscape(id)
	case domain.RelCollections, domain.RelUploads:
		path = "/entities/" + url.PathEscape(id) + "/" + string(rel)
	default:
		return nil, errors.Errorf("entityclient: unsupported relation %q", rel)
	}
	var raw []json.RawMessage
	if err := c.getJSON(ctx, id, path+"?property=uuid", &raw); err != nil {
		return nil, err
	}
	return decodeIDs(raw)
}

// GetIDsByType enumerates every entity id of one type.
func (c *Client) GetIDsByType(ctx context.Context, et domain.EntityType) ([]string, error) {
	var raw []json.RawMessage
	path := "/" + strings.ToLower(string(et)) + "/entities?property=uuid"
	if err := c.getJSON(ctx, string(et), path, &raw); err != nil {
		return nil, err
	}
	return decodeIDs(raw)
}

// GetVisibility returns the visibility value the entity service reports for id.
func (c *Client) GetVisibility(ctx context.Context, id string) (string, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, id, "/visibility/"+url.PathEscape(id), &raw); err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Visibility string `json:"visibility"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", errors.Wrapf(err, "entityclient: decode visibility for %s", id)
	}
	return obj.Visibility, nil
}

func (c *Client) getJSON(ctx context.Context, target, path string, out any) error {
	full := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return errors.Wrap(err, "entityclient: build request")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.bearer(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("target", target).Str("url", full).Msg("entity service unreachable")
		return &domain.UpstreamError{Target: target, URL: full, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		upErr := &domain.UpstreamError{Target: target, URL: full, Status: resp.StatusCode}
		if resp.StatusCode == http.StatusNotFound {
			upErr.Err = domain.ErrEntityNotFound
		} else if len(body) > 0 {
			upErr.Err = errors.New(strings.TrimSpace(string(body)))
		}
		c.log.Warn().Str("target", target).Str("url", full).Int("status", resp.StatusCode).Msg("entity service returned non-200")
		return upErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.UpstreamError{Target: target, URL: full, Status: resp.StatusCode, Err: errors.Wrap(err, "decode")}
	}
	return nil
}

func (c *Client) bearer(ctx context.Context) string {
	if tok := TokenFromContext(ctx); tok != "" {
		return tok
	}
	return c.token
}

// decodeIDs accepts both ["id", ...] and [{"uuid": "id"}, ...].
func decodeIDs(raw []json.RawMessage) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			UUID string `json:"uuid"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, errors.Wrap(err, "entityclient: decode id list")
		}
		if obj.UUID != "" {
			out = append(out, obj.UUID)
		}
	}
	return out, nil
}
