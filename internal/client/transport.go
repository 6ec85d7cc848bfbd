package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/planner"
)

const maxErrorBody = 64 << 10

// transportError marks failures to reach the server at all.
type transportError struct{ err error }

func (e *transportError) Error() string { return "transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// call posts body as JSON and decodes a 2xx answer into out. A 401 yields
// errUnauthorized; other statuses decode into typed errors.
func (s *Session) call(ctx context.Context, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return errUnauthorized
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}

	var er model.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&er)
	return apiError(resp.StatusCode, er)
}

// apiError turns admission rejections back into the planner's own errors so
// callers see the same type whether the client or the server refused.
func apiError(status int, er model.ErrorResponse) error {
	if status == http.StatusBadRequest {
		switch er.Error {
		case "zoom_too_far_out":
			ze := &planner.ZoomTooFarOutError{}
			if er.CurrentZoom != nil {
				ze.CurrentZoom = *er.CurrentZoom
			}
			if er.MaxAllowed != nil {
				ze.MaxAllowed = *er.MaxAllowed
			}
			return ze
		case "invalid_crs":
			return &planner.InvalidCRSError{Reason: strings.TrimSpace(er.Message)}
		}
	}
	return &APIError{Status: status, Code: er.Error, Message: er.Message}
}
