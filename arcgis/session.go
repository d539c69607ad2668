package arcgis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pdok/layersync/credentials"
)

// Session is an authenticated connection to the portal. It refreshes its token when it is
// about to expire. Close it when the run is done.
type Session struct {
	client *Client
	creds  credentials.Credentials

	mu      sync.Mutex
	token   string
	expires time.Time
	closed  bool
}

type tokenResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

// Login exchanges username and password for a token.
func (c *Client) Login(ctx context.Context, creds credentials.Credentials) (*Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	s := &Session{client: c, creds: creds}
	if err := s.refresh(ctx); err != nil {
		return nil, fmt.Errorf("login as %s: %w", creds.Username, err)
	}
	c.logger.Info("logged in", "portal", c.portalURL, "username", creds.Username)
	return s, nil
}

// refresh expects s.mu to be held or s to be unshared.
func (s *Session) refresh(ctx context.Context) error {
	c := s.client
	form := url.Values{}
	form.Set("username", s.creds.Username)
	form.Set("password", s.creds.Password)
	form.Set("client", "referer")
	form.Set("referer", c.referer)
	form.Set("expiration", strconv.Itoa(int(c.tokenLifetime/time.Minute)))

	var resp tokenResponse
	if err := c.post(ctx, c.portalURL+"/sharing/rest/generateToken", form, &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		return errors.New("no token in response")
	}
	s.token = resp.Token
	if resp.Expires > 0 {
		s.expires = time.UnixMilli(resp.Expires)
	} else {
		s.expires = c.now().Add(c.tokenLifetime)
	}
	return nil
}

// Token returns a valid token, renewing it when it expires within the refresh margin.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if s.client.now().Add(tokenRefreshMargin).After(s.expires) {
		s.client.logger.Debug("refreshing token", "expires", s.expires)
		if err := s.refresh(ctx); err != nil {
			return "", fmt.Errorf("refresh token: %w", err)
		}
	}
	return s.token, nil
}

// Close forgets the token and drops idle connections. Calling Close twice is harmless.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.token = ""
	s.client.http.CloseIdleConnections()
	return nil
}

func (s *Session) post(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	token, err := s.Token(ctx)
	if err != nil {
		return err
	}
	form.Set("token", token)
	return s.client.post(ctx, endpoint, form, out)
}

// Item is the part of a portal item this client needs.
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
	URL   string `json:"url"`
}

func (s *Session) Item(ctx context.Context, itemID string) (*Item, error) {
	if itemID == "" {
		return nil, fmt.Errorf("%w: empty item id", ErrItemNotFound)
	}
	endpoint := s.client.portalURL + "/sharing/rest/content/items/" + url.PathEscape(itemID)
	var item Item
	if err := s.post(ctx, endpoint, url.Values{}, &item); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrItemNotFound, itemID, err)
		}
		return nil, err
	}
	if item.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return &item, nil
}

// Layer resolves layer index of the feature service behind item itemID.
func (s *Session) Layer(ctx context.Context, itemID string, index int) (*Layer, error) {
	item, err := s.Item(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.URL == "" || !strings.Contains(item.URL, "/FeatureServer") {
		return nil, fmt.Errorf(`%w: item %s (%s) is not a feature service`, ErrItemNotFound, itemID, item.Type)
	}
	serviceURL := strings.TrimRight(item.URL, "/")
	layerURL := serviceURL + "/" + strconv.Itoa(index)

	var info struct {
		ID           *int   `json:"id"`
		Name         string `json:"name"`
		Type         string `json:"type"`
		GeometryType string `json:"geometryType"`
	}
	if err := s.post(ctx, layerURL, url.Values{}, &info); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: layer %d of item %s: %v", ErrItemNotFound, index, itemID, err)
		}
		return nil, err
	}
	if info.ID == nil {
		return nil, fmt.Errorf("%w: layer %d of item %s", ErrItemNotFound, index, itemID)
	}
	return &Layer{
		session:      s,
		ItemID:       itemID,
		Index:        index,
		Name:         info.Name,
		GeometryType: info.GeometryType,
		URL:          layerURL,
		adminURL:     adminURL(serviceURL) + "/" + strconv.Itoa(index),
	}, nil
}

// adminURL turns .../rest/services/<name>/FeatureServer into .../rest/admin/services/<name>/FeatureServer.
func adminURL(serviceURL string) string {
	return strings.Replace(serviceURL, "/rest/services/", "/rest/admin/services/", 1)
}

func isNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch {
	case apiErr.StatusCode == 404, apiErr.Code == 404:
		return true
	case apiErr.MessageCode == "CONT_0001":
		return true
	case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "does not exist"):
		return true
	case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "invalid url"):
		return true
	case apiErr.Code == 403 && apiErr.MessageCode == "GWM_0003":
		return true
	}
	return false
}
