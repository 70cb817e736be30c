package customtool

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/xzcli/gateway/internal/gwtypes"
)

// callHTTP builds and executes an HTTP custom-tool call per spec §4.4:
// GET places args as query parameters (stripping null/undefined
// values), other methods send a JSON body built from BodyTemplate's
// "{{var}}" substitution of top-level arg keys; the response is mapped
// through DataPath with gjson when configured.
func callHTTP(ctx context.Context, cfg gwtypes.HTTPHandlerConfig, args map[string]any) (Result, error) {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	reqURL := cfg.URL
	var payload []byte
	if method == http.MethodGet {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return Result{}, fmt.Errorf("http handler: parse url: %w", err)
		}
		q := u.Query()
		for k, v := range args {
			if v == nil {
				continue
			}
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		reqURL = u.String()
	} else {
		var err error
		payload, err = renderBody(cfg.BodyTemplate, args)
		if err != nil {
			return Result{}, err
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	retries := cfg.RetryCount
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := cfg.RetryDelay
			if delay <= 0 {
				delay = time.Second
			}
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		res, err := doHTTPRequest(ctx, method, reqURL, body, cfg, timeout)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return Result{}, lastErr
}

func doHTTPRequest(ctx context.Context, method, reqURL string, body io.Reader, cfg gwtypes.HTTPHandlerConfig, timeout time.Duration) (Result, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, method, reqURL, body)
	if err != nil {
		return Result{}, fmt.Errorf("http handler: build request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	applyAuth(req, cfg)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: http handler: %w", gwtypes.ErrUpstreamError, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("http handler: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("%w: http handler: status %d: %s", gwtypes.ErrUpstreamError, resp.StatusCode, string(data))
	}

	return Result{Content: []Content{{Type: "text", Text: mapResponse(resp.Header.Get("Content-Type"), data, cfg.DataPath)}}}, nil
}

func applyAuth(req *http.Request, cfg gwtypes.HTTPHandlerConfig) {
	switch cfg.AuthMode {
	case gwtypes.HTTPAuthBearer:
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	case gwtypes.HTTPAuthBasic:
		parts := strings.SplitN(cfg.AuthToken, ":", 2)
		user := parts[0]
		pass := ""
		if len(parts) == 2 {
			pass = parts[1]
		}
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	case gwtypes.HTTPAuthAPIKey:
		header := cfg.AuthHeader
		if header == "" {
			header = "X-Api-Key"
		}
		req.Header.Set(header, cfg.AuthToken)
	}
}

// renderBody substitutes "{{var}}" placeholders in template with
// top-level keys from args; args keys the template does not reference
// are not added to the body. With an empty template the body is a JSON
// object of all args, built field by field via sjson, so a template is
// optional rather than mandatory.
func renderBody(template string, args map[string]any) ([]byte, error) {
	if template == "" {
		out := "{}"
		var err error
		for k, v := range args {
			out, err = sjson.Set(out, k, v)
			if err != nil {
				return nil, fmt.Errorf("http handler: build body: %w", err)
			}
		}
		return []byte(out), nil
	}

	out := template
	for k, v := range args {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return []byte(out), nil
}

// mapResponse applies DataPath (a gjson path) when configured; text/*
// responses pass through verbatim; JSON with no DataPath is re-indented
// two spaces for readability.
func mapResponse(contentType string, data []byte, dataPath string) string {
	if strings.HasPrefix(contentType, "text/") && dataPath == "" {
		return string(data)
	}
	if dataPath != "" {
		return gjson.GetBytes(data, dataPath).String()
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}
