package libcaissa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"

	"github.com/pkg/errors"
)

type (
	// A Client defines all interactions that can be performed on a caissa backend.
	Client interface {
		// SignIn authenticates the operator and returns the initial session payload.
		SignIn(email, password string) (*CheckPayload, error)
		// CheckSession revalidates the current bearer token and returns a fresh
		// authorization snapshot.
		CheckSession(ctx context.Context) (*CheckPayload, error)
		// SignOut invalidates the current bearer token. Best effort.
		SignOut(ctx context.Context) error
		// BearerToken returns the credential used for authenticated requests.
		BearerToken() string
		// SetBearerToken sets the credential used for authenticated requests.
		SetBearerToken(token string)
	}

	p      map[string]any
	client struct {
		http     *http.Client
		endpoint string

		mu     sync.RWMutex
		bearer string
	}
)

// NewDefaultClient returns a new Client with default HTTP client.
func NewDefaultClient(endpoint string) (Client, error) {
	return NewClient(http.DefaultClient, endpoint)
}

// NewClient returns a new Client.
func NewClient(c *http.Client, endpoint string) (Client, error) {
	_, err := url.Parse(endpoint)
	return &client{endpoint: endpoint, http: c}, errors.Wrap(err, "could not parse endpoint")
}

func (c *client) SignIn(email, password string) (*CheckPayload, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse endpoint")
	}
	u.Path = path.Join(u.Path, "/auth/sign_in")

	//
	// Build request
	body, err := json.Marshal(p{"email": email, "password": password})
	if err != nil {
		return nil, errors.Wrap(err, "could not serialize email & password")
	}

	req, err := http.NewRequest(http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "could not build request")
	}
	req.Close = true
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")

	//
	// Perform request
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not perform request")
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return nil, parseAPIError(res.Body, res.StatusCode)
	}

	//
	// Process response
	var login struct {
		Success bool         `json:"success"`
		Data    CheckPayload `json:"data"`
	}
	dec := json.NewDecoder(res.Body)
	if err := dec.Decode(&login); err != nil {
		return nil, errors.Wrap(err, "could not parse response")
	}

	c.SetBearerToken(login.Data.Token)
	return &login.Data, nil
}

func (c *client) CheckSession(ctx context.Context) (*CheckPayload, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse endpoint")
	}
	u.Path = path.Join(u.Path, "/auth/check")

	//
	// Build request
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not build request")
	}
	req.Close = true
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.BearerToken()))

	//
	// Perform request
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not perform request")
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return nil, parseAPIError(res.Body, res.StatusCode)
	}

	//
	// Process response
	var check struct {
		Success bool         `json:"success"`
		Data    CheckPayload `json:"data"`
	}
	dec := json.NewDecoder(res.Body)
	if err := dec.Decode(&check); err != nil {
		return nil, errors.Wrap(err, "could not parse response")
	}

	if !check.Success {
		apierr := &APIError{StatusCode: http.StatusUnauthorized}
		apierr.Err.Message = "session rejected by server"
		return nil, apierr
	}

	return &check.Data, nil
}

func (c *client) SignOut(ctx context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return errors.Wrap(err, "could not parse endpoint")
	}
	u.Path = path.Join(u.Path, "/auth/sign_out")

	//
	// Build request
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	req.Close = true
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.BearerToken()))

	//
	// Perform request
	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "could not perform request")
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return parseAPIError(res.Body, res.StatusCode)
	}

	return nil
}

func (c *client) BearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer
}

func (c *client) SetBearerToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bearer = token
}
