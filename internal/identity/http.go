package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDirectory drives the admin user API of a hosted auth provider:
// POST {base}/admin/users creates a confirmed account, DELETE
// {base}/admin/users/{id} removes it.
type HTTPDirectory struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

func NewHTTPDirectory(baseURL, serviceKey string, timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		client:     &http.Client{Timeout: timeout},
	}
}

type createAccountRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	EmailConfirm bool   `json:"email_confirm"`
}

type createAccountResponse struct {
	ID string `json:"id"`
}

type providerError struct {
	Code    string `json:"error_code"`
	Message string `json:"msg"`
}

func (d *HTTPDirectory) CreateAccount(ctx context.Context, email, password string) (string, error) {
	body, err := json.Marshal(createAccountRequest{Email: email, Password: password, EmailConfirm: true})
	if err != nil {
		return "", err
	}
	req, err := d.newRequest(ctx, http.MethodPost, "/admin/users", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusConflict {
		perr := readProviderError(resp.Body)
		if perr.Code == "email_exists" || strings.Contains(strings.ToLower(perr.Message), "already") {
			return "", ErrAccountExists
		}
		return "", fmt.Errorf("create account: status %d: %s", resp.StatusCode, perr.Message)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		perr := readProviderError(resp.Body)
		return "", fmt.Errorf("create account: status %d: %s", resp.StatusCode, perr.Message)
	}

	var out createAccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode account: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create account: empty id")
	}
	return out.ID, nil
}

func (d *HTTPDirectory) DeleteAccount(ctx context.Context, id string) error {
	req, err := d.newRequest(ctx, http.MethodDelete, "/admin/users/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrAccountNotFound
	default:
		perr := readProviderError(resp.Body)
		return fmt.Errorf("delete account: status %d: %s", resp.StatusCode, perr.Message)
	}
}

func (d *HTTPDirectory) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", d.serviceKey)
	req.Header.Set("Authorization", "Bearer "+d.serviceKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func readProviderError(body io.Reader) providerError {
	var perr providerError
	data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	if err := json.Unmarshal(data, &perr); err != nil || perr.Message == "" {
		perr.Message = strings.TrimSpace(string(data))
	}
	return perr
}
