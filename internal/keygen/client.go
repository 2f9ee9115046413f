// Package keygen is a client for the license provider's JSON:API.
package keygen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/licensebridge/internal/apperr"
)

const (
	provider  = "keygen"
	mediaType = "application/vnd.api+json"

	// Metadata keys as stored by the license provider, which camel-cases them.
	MetaAuthAccountID        = "authAccountId"
	MetaPaymentCustomerID    = "paymentCustomerId"
	MetaStripeCustomerID     = "stripeCustomerId"
	MetaStripeSubscriptionID = "stripeSubscriptionId"

	// pageSize is the largest page the provider serves; maxPages bounds a
	// listing so a looping next link cannot spin forever.
	pageSize = 100
	maxPages = 50
)

type Config struct {
	BaseURL      string
	AccountID    string
	PolicyID     string
	ProductToken string
	Timeout      time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.keygen.sh"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PolicyID returns the policy new licenses are issued under.
func (c *Client) PolicyID() string {
	return c.cfg.PolicyID
}

// User is a license-provider user (a License Account).
type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Status   string         `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// MetadataString returns metadata[key] when it is a non-empty string.
func (u *User) MetadataString(key string) string {
	if u == nil {
		return ""
	}
	s, _ := u.Metadata[key].(string)
	return s
}

// License is the flattened view of a license resource served to the frontend.
type License struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Key         string         `json:"key"`
	Status      string         `json:"status"`
	Uses        int            `json:"uses"`
	MaxMachines *int           `json:"maxMachines,omitempty"`
	Floating    bool           `json:"floating"`
	Expiry      *time.Time     `json:"expiry,omitempty"`
	Created     time.Time      `json:"created"`
	Updated     time.Time      `json:"updated"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Token is the result of authenticating a user with email and password.
type Token struct {
	Token  string
	UserID string
	Expiry *time.Time
}

// WebhookEvent is the authoritative copy of a webhook delivery.
type WebhookEvent struct {
	ID      string
	Event   string
	Payload string
}

// LicenseParams describes a license to create.
type LicenseParams struct {
	UserID   string
	Metadata map[string]any
}

type document struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []apiError      `json:"errors,omitempty"`
	Links  struct {
		Next string `json:"next"`
	} `json:"links"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

type resource struct {
	ID            string                  `json:"id"`
	Type          string                  `json:"type"`
	Attributes    json.RawMessage         `json:"attributes"`
	Relationships map[string]relationship `json:"relationships,omitempty"`
}

type relationship struct {
	Data *resourceIdentifier `json:"data"`
}

type resourceIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type userAttributes struct {
	Email    string         `json:"email"`
	Status   string         `json:"status,omitempty"`
	Password string         `json:"password,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type licenseAttributes struct {
	Name        string         `json:"name"`
	Key         string         `json:"key"`
	Status      string         `json:"status"`
	Uses        int            `json:"uses"`
	MaxMachines *int           `json:"maxMachines"`
	Floating    bool           `json:"floating"`
	Expiry      *time.Time     `json:"expiry"`
	Created     time.Time      `json:"created"`
	Updated     time.Time      `json:"updated"`
	Metadata    map[string]any `json:"metadata"`
}

type tokenAttributes struct {
	Token  string     `json:"token"`
	Expiry *time.Time `json:"expiry"`
}

type webhookEventAttributes struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

// Authenticate exchanges email and password for a user token.
func (c *Client) Authenticate(ctx context.Context, email, password string) (*Token, error) {
	var res resource
	err := c.do(ctx, http.MethodPost, "/tokens", nil, auth{user: email, pass: password}, &res)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	var attrs tokenAttributes
	if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if attrs.Token == "" {
		return nil, apperr.Upstream(provider, http.StatusBadGateway, "token missing from response")
	}
	t := &Token{Token: attrs.Token, Expiry: attrs.Expiry}
	if bearer, ok := res.Relationships["bearer"]; ok && bearer.Data != nil {
		t.UserID = bearer.Data.ID
	}
	return t, nil
}

// CreateUser creates a license account.
func (c *Client) CreateUser(ctx context.Context, email, password string, metadata map[string]any) (*User, error) {
	body := map[string]any{
		"data": map[string]any{
			"type":       "users",
			"attributes": userAttributes{Email: email, Password: password, Metadata: metadata},
		},
	}
	var res resource
	if err := c.do(ctx, http.MethodPost, "/users", body, c.product(), &res); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return decodeUser(res)
}

func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	var res resource
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, c.product(), &res); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return decodeUser(res)
}

// UpdateUserMetadata merges patch into the user's metadata. The provider
// replaces metadata wholesale on update, so the current bag is read first.
func (c *Client) UpdateUserMetadata(ctx context.Context, id string, patch map[string]any) (*User, error) {
	current, err := c.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(current.Metadata)+len(patch))
	for k, v := range current.Metadata {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	body := map[string]any{
		"data": map[string]any{
			"type":       "users",
			"attributes": map[string]any{"metadata": merged},
		},
	}
	var res resource
	if err := c.do(ctx, http.MethodPatch, "/users/"+url.PathEscape(id), body, c.product(), &res); err != nil {
		return nil, fmt.Errorf("update user metadata: %w", err)
	}
	return decodeUser(res)
}

// ListLicenses lists the licenses visible to a user token.
func (c *Client) ListLicenses(ctx context.Context, userToken string) ([]License, error) {
	licenses, err := c.listLicenses(ctx, url.Values{}, bearer(userToken))
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	return licenses, nil
}

// ListLicensesForUser lists a user's licenses using the product token.
func (c *Client) ListLicensesForUser(ctx context.Context, userID string) ([]License, error) {
	licenses, err := c.listLicenses(ctx, url.Values{"user": {userID}}, c.product())
	if err != nil {
		return nil, fmt.Errorf("list licenses for user: %w", err)
	}
	return licenses, nil
}

// listLicenses walks every page of /licenses by following links.next.
func (c *Client) listLicenses(ctx context.Context, query url.Values, a auth) ([]License, error) {
	query.Set("page[size]", strconv.Itoa(pageSize))
	target := c.endpoint("/licenses?" + query.Encode())

	licenses := []License{}
	for pages := 0; target != ""; pages++ {
		if pages == maxPages {
			return nil, apperr.Upstream(provider, http.StatusBadGateway, "license list exceeds page limit")
		}
		doc, err := c.send(ctx, http.MethodGet, target, nil, a)
		if err != nil {
			return nil, err
		}
		var res []resource
		if len(doc.Data) > 0 {
			if err := json.Unmarshal(doc.Data, &res); err != nil {
				return nil, fmt.Errorf("decode data: %w", err)
			}
		}
		page, err := decodeLicenses(res)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, page...)

		if target, err = c.nextPage(doc.Links.Next); err != nil {
			return nil, err
		}
	}
	return licenses, nil
}

// nextPage resolves a pagination link against the API base URL. Links to
// another host are refused so the product token never leaves the API.
func (c *Client) nextPage(link string) (string, error) {
	if link == "" {
		return "", nil
	}
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", apperr.Upstream(provider, http.StatusBadGateway, "invalid next page link")
	}
	next := base.ResolveReference(ref)
	if next.Host != base.Host {
		return "", apperr.Upstream(provider, http.StatusBadGateway, "next page link points to another host")
	}
	return next.String(), nil
}

// CreateLicense issues a license under the configured policy.
func (c *Client) CreateLicense(ctx context.Context, p LicenseParams) (*License, error) {
	rels := map[string]relationship{
		"policy": {Data: &resourceIdentifier{Type: "policies", ID: c.cfg.PolicyID}},
	}
	if p.UserID != "" {
		rels["user"] = relationship{Data: &resourceIdentifier{Type: "users", ID: p.UserID}}
	}
	body := map[string]any{
		"data": map[string]any{
			"type":          "licenses",
			"attributes":    map[string]any{"metadata": p.Metadata},
			"relationships": rels,
		},
	}
	var res resource
	if err := c.do(ctx, http.MethodPost, "/licenses", body, c.product(), &res); err != nil {
		return nil, fmt.Errorf("create license: %w", err)
	}
	return decodeLicense(res)
}

func (c *Client) SuspendLicense(ctx context.Context, id string) error {
	return c.licenseAction(ctx, id, "suspend")
}

func (c *Client) ReinstateLicense(ctx context.Context, id string) error {
	return c.licenseAction(ctx, id, "reinstate")
}

func (c *Client) licenseAction(ctx context.Context, id, action string) error {
	path := "/licenses/" + url.PathEscape(id) + "/actions/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, c.product(), nil); err != nil {
		return fmt.Errorf("%s license: %w", action, err)
	}
	return nil
}

// GetWebhookEvent re-fetches a webhook event by id using the product token.
func (c *Client) GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	var res resource
	if err := c.do(ctx, http.MethodGet, "/webhook-events/"+url.PathEscape(id), nil, c.product(), &res); err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	var attrs webhookEventAttributes
	if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	return &WebhookEvent{ID: res.ID, Event: attrs.Event, Payload: attrs.Payload}, nil
}

// DecodeUserPayload parses the user carried in a webhook event payload.
func DecodeUserPayload(payload string) (*User, error) {
	var doc document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var res resource
	if err := json.Unmarshal(doc.Data, &res); err != nil {
		return nil, fmt.Errorf("decode payload resource: %w", err)
	}
	if res.Type != "" && res.Type != "users" {
		return nil, fmt.Errorf("payload resource type %q, want users", res.Type)
	}
	return decodeUser(res)
}

// DecodeResourceID returns the id of the resource in a webhook payload.
func DecodeResourceID(payload string) string {
	var doc struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return ""
	}
	return doc.Data.ID
}

func decodeUser(res resource) (*User, error) {
	var attrs userAttributes
	if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if attrs.Metadata == nil {
		attrs.Metadata = map[string]any{}
	}
	return &User{ID: res.ID, Email: attrs.Email, Status: attrs.Status, Metadata: attrs.Metadata}, nil
}

func decodeLicense(res resource) (*License, error) {
	var attrs licenseAttributes
	if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("decode license: %w", err)
	}
	return &License{
		ID:          res.ID,
		Name:        attrs.Name,
		Key:         attrs.Key,
		Status:      attrs.Status,
		Uses:        attrs.Uses,
		MaxMachines: attrs.MaxMachines,
		Floating:    attrs.Floating,
		Expiry:      attrs.Expiry,
		Created:     attrs.Created,
		Updated:     attrs.Updated,
		Metadata:    attrs.Metadata,
	}, nil
}

func decodeLicenses(res []resource) ([]License, error) {
	licenses := make([]License, 0, len(res))
	for _, r := range res {
		l, err := decodeLicense(r)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, *l)
	}
	return licenses, nil
}

// auth is how a single request authenticates: a bearer token or basic auth.
type auth struct {
	token      string
	user, pass string
}

func bearer(token string) auth { return auth{token: token} }

func (c *Client) product() auth { return bearer(c.cfg.ProductToken) }

func (c *Client) endpoint(path string) string {
	return c.cfg.BaseURL + "/v1/accounts/" + url.PathEscape(c.cfg.AccountID) + path
}

// do performs one request against an account-scoped path and decodes the
// primary data into out.
func (c *Client) do(ctx context.Context, method, path string, body any, a auth, out any) error {
	doc, err := c.send(ctx, method, c.endpoint(path), body, a)
	if err != nil {
		return err
	}
	if out == nil || len(doc.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(doc.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// send performs one request. A non-2xx status or a non-empty errors array is
// returned as an upstream error; the call is never retried.
func (c *Client) send(ctx context.Context, method, target string, body any, a auth) (*document, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", mediaType)
	if body != nil {
		req.Header.Set("Content-Type", mediaType)
	}
	if a.user != "" {
		req.SetBasicAuth(a.user, a.pass)
	} else {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, apperr.UpstreamTimeout(provider, err)
		}
		return nil, apperr.UpstreamTransport(provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if isTimeout(err) {
			return nil, apperr.UpstreamTimeout(provider, err)
		}
		return nil, apperr.UpstreamTransport(provider, err)
	}

	var doc document
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	if len(doc.Errors) > 0 || resp.StatusCode < 200 || resp.StatusCode > 299 {
		status := resp.StatusCode
		switch {
		case status < 400 && len(doc.Errors) > 0:
			// An errors document on a success status is still a refusal.
			status = http.StatusUnprocessableEntity
		case status < 400:
			status = http.StatusBadGateway
		}
		return nil, apperr.Upstream(provider, status, errorDetail(doc.Errors, resp.Status))
	}
	return &doc, nil
}

func errorDetail(errs []apiError, fallback string) string {
	if len(errs) == 0 {
		return fallback
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		switch {
		case e.Detail != "":
			parts = append(parts, e.Detail)
		case e.Title != "":
			parts = append(parts, e.Title)
		default:
			parts = append(parts, e.Code)
		}
	}
	return strings.Join(parts, ", ")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
