package customtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/xzcli/gateway/internal/gwtypes"
)

// callPlatform dispatches to a fixed platform adapter by name. Only the
// "dify"-shaped workflow-run API is implemented; unknown platforms fail
// with ConfigInvalid rather than silently no-opping.
func callPlatform(ctx context.Context, cfg gwtypes.PlatformHandlerConfig, args map[string]any) (Result, error) {
	switch cfg.Platform {
	case "dify", "":
		return callDifyWorkflow(ctx, cfg, args)
	default:
		return Result{}, fmt.Errorf("%w: unknown platform %q", gwtypes.ErrConfigInvalid, cfg.Platform)
	}
}

// difyRunRequest is the request body for Dify's workflow run endpoint
// (/workflows/run): inputs carries the tool's arguments, response_mode
// is fixed to blocking since CustomToolHandler already races the whole
// call against its own timeout.
type difyRunRequest struct {
	Inputs       map[string]any `json:"inputs"`
	ResponseMode string         `json:"response_mode"`
	User         string         `json:"user"`
}

func callDifyWorkflow(ctx context.Context, cfg gwtypes.PlatformHandlerConfig, args map[string]any) (Result, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		return Result{}, fmt.Errorf("%w: dify platform handler requires an endpoint", gwtypes.ErrConfigInvalid)
	}

	payload, err := json.Marshal(difyRunRequest{Inputs: args, ResponseMode: "blocking", User: "xzcli-gateway"})
	if err != nil {
		return Result{}, fmt.Errorf("platform handler: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("platform handler: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: platform handler: %w", gwtypes.ErrUpstreamError, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("platform handler: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("%w: platform handler: status %d: %s", gwtypes.ErrUpstreamError, resp.StatusCode, string(data))
	}

	status := gjson.GetBytes(data, "data.status").String()
	if status == "failed" {
		msg := gjson.GetBytes(data, "data.error").String()
		if msg == "" {
			msg = "workflow run failed"
		}
		return errorResult(msg), nil
	}

	text := gjson.GetBytes(data, "data.outputs").String()
	if text == "" {
		text = string(data)
	}
	return textResult(text), nil
}
