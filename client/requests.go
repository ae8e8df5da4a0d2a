package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

/*
GET  /prompts
POST /diffusions?signature={sig}
GET  /diffusions/{call_id}
*/

// ResultCache stores finished branches keyed by the inputs that produced them
type ResultCache interface {
	Get(ctx context.Context, key string) (*Branch, bool, error)
	Put(ctx context.Context, key string, branch *Branch) error
}

// FetchPrompts retrieves the prompt catalog
func (c *Client) FetchPrompts(ctx context.Context) ([]*Prompt, error) {
	raw, err := c.Get(ctx, "/prompts", nil)
	if err != nil {
		return nil, err
	}

	retv := make([]*Prompt, 0)
	if err := json.Unmarshal(raw, &retv); err != nil {
		return nil, c.fail(http.MethodGet, "/prompts", fmt.Errorf("decoding prompts: %w", err))
	}
	return retv, nil
}

// resumeSignature picks the signature sent with a branch submission.
// Resuming from latents uses the latents' own signature; computing from scratch
// (no latents, i.e. a trunk) uses the prompt's signature.
func resumeSignature(prompt *Prompt, latents *Latents) string {
	if latents != nil {
		return latents.Signature
	}
	return prompt.Signature
}

// CacheKey derives the result cache key of a branch computation from its inputs
func CacheKey(prompt *Prompt, latents *Latents, timestep *int, seed uint32, trajectoryAt []int) string {
	data, _ := json.Marshal(newBranchRequestBody(prompt, latents, timestep, seed, trajectoryAt))
	h := sha256.New()
	h.Write([]byte(resumeSignature(prompt, latents)))
	h.Write([]byte{0})
	h.Write(data)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:])
}

func newBranchRequestBody(prompt *Prompt, latents *Latents, timestep *int, seed uint32, trajectoryAt []int) *branchRequestBody {
	body := &branchRequestBody{
		Prompt:       prompt.Text,
		Seed:         seed,
		Timestep:     timestep,
		TrajectoryAt: trajectoryAt,
	}
	if latents != nil {
		tensor := latents.Tensor
		body.Latents = &tensor
	}
	return body
}

// FetchBranch starts a branch computation and returns immediately.
// latents is the resumption point; nil computes the prompt's trunk from scratch, in which case
// timestep should be nil as well. trajectoryAt lists the timesteps whose state should be reported.
// The submission and every poll share one cancellation handle, the returned request's Abort.
func (c *Client) FetchBranch(ctx context.Context, prompt *Prompt, latents *Latents, timestep *int, seed uint32, trajectoryAt []int) *BranchRequest {
	return StartBranchRequest(ctx, func(ctx context.Context) (*Branch, error) {
		start := time.Now()
		key := ""
		if c.cache != nil {
			key = CacheKey(prompt, latents, timestep, seed, trajectoryAt)
			cached, ok, err := c.cache.Get(ctx, key)
			if err != nil {
				slog.Warn("Result cache lookup failed", "error", err)
			} else if ok {
				return cached, nil
			}
		}

		args := url.Values{}
		args.Set("signature", resumeSignature(prompt, latents))
		raw, err := c.Post(ctx, "/diffusions", newBranchRequestBody(prompt, latents, timestep, seed, trajectoryAt), &CallOptions{Args: args})
		if err != nil {
			return nil, err
		}

		method, path := http.MethodPost, "/diffusions"
		resp, err := c.decodeDiffusion(method, path, raw)
		if err != nil {
			return nil, err
		}
		if resp.pending() {
			method, path = http.MethodGet, "/diffusions/"+url.PathEscape(*resp.CallID)
			resp, err = c.awaitDiffusion(ctx, path)
			if err != nil {
				return nil, err
			}
		}

		branch, err := resp.toBranch()
		if err != nil {
			return nil, c.fail(method, path, fmt.Errorf("%s %s: %w", method, path, err))
		}
		c.metrics.observeBranch(start)

		if c.cache != nil {
			if err := c.cache.Put(ctx, key, branch); err != nil {
				slog.Warn("Result cache store failed", "error", err)
			}
		}
		return branch, nil
	})
}

// awaitDiffusion polls the job at path until the backend stops answering with a call_id.
// Each iteration waits the poll interval first; polls never overlap.
func (c *Client) awaitDiffusion(ctx context.Context, path string) (*diffusionResponse, error) {
	for {
		if err := sleep(ctx, c.pollInterval); err != nil {
			return nil, c.fail(http.MethodGet, path, err)
		}

		raw, err := c.Get(ctx, path, nil)
		if err != nil {
			return nil, err
		}
		c.metrics.observePoll()

		resp, err := c.decodeDiffusion(http.MethodGet, path, raw)
		if err != nil {
			return nil, err
		}
		if !resp.pending() {
			return resp, nil
		}
		c.callbacks.polled(&Job{CallID: *resp.CallID, Message: resp.Message})
	}
}

func (c *Client) decodeDiffusion(method string, path string, raw json.RawMessage) (*diffusionResponse, error) {
	resp := &diffusionResponse{}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, c.fail(method, path, fmt.Errorf("decoding diffusion response: %w", err))
	}
	if !resp.pending() && resp.Diffusion == nil {
		return nil, c.fail(method, path, fmt.Errorf("%s %s: %w", method, path, ErrMalformedResponse))
	}
	return resp, nil
}
