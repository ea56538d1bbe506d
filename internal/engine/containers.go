package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/GiselleSerate/pure19prototype/internal/archive"
)

const (
	pullRetries    = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// PullImage pulls ref (name:tag) from the registry. Registry hiccups are
// retried with backoff.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	image, tag := splitRef(ref)
	path := "/images/create?fromImage=" + url.QueryEscape(image) + "&tag=" + url.QueryEscape(tag)

	err := retry.Do(func() error {
		resp, err := c.do(ctx, http.MethodPost, path, "", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return drainStream(resp.Body)
	}, retry.Attempts(pullRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff), retry.Context(ctx))
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	c.log.Info().Str("image", ref).Msg("pulled base image")
	return nil
}

// BuildImage tars contextDir (with its Dockerfile at the root) and builds it
// under the given tag. Returns the tag as the image reference.
func (c *Client) BuildImage(ctx context.Context, contextDir, tag string) (string, error) {
	tarball, err := archive.PackContext(contextDir, nil)
	if err != nil {
		return "", fmt.Errorf("packing build context: %w", err)
	}
	path := "/build?t=" + url.QueryEscape(tag)
	resp, err := c.do(ctx, http.MethodPost, path, "application/x-tar", bytes.NewReader(tarball))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := drainStream(resp.Body); err != nil {
		return "", fmt.Errorf("building %s: %w", tag, err)
	}
	c.log.Debug().Str("tag", tag).Msg("built image")
	return tag, nil
}

// Run creates and starts a detached container running cmd, returning its ID.
func (c *Client) Run(ctx context.Context, imageRef string, cmd []string) (string, error) {
	var created struct {
		ID string `json:"Id"`
	}
	payload := map[string]interface{}{
		"Image": imageRef,
		"Cmd":   cmd,
	}
	if err := c.postJSON(ctx, "/containers/create", payload, &created); err != nil {
		return "", fmt.Errorf("creating container from %s: %w", imageRef, err)
	}
	if err := c.postJSON(ctx, "/containers/"+created.ID+"/start", nil, nil); err != nil {
		return "", fmt.Errorf("starting container %s: %w", shortID(created.ID), err)
	}
	return created.ID, nil
}

// Wait blocks until the container exits and returns its exit status.
func (c *Client) Wait(ctx context.Context, id string) (int, error) {
	var result struct {
		StatusCode int `json:"StatusCode"`
	}
	if err := c.postJSON(ctx, "/containers/"+id+"/wait", nil, &result); err != nil {
		return 0, fmt.Errorf("waiting for container %s: %w", shortID(id), err)
	}
	return result.StatusCode, nil
}

// Logs returns the container's combined output as lines.
func (c *Client) Logs(ctx context.Context, id string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/containers/"+id+"/logs?stdout=1&stderr=1", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	stdout, stderr, err := demux(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading logs of %s: %w", shortID(id), err)
	}
	return splitLines(append(stdout, stderr...)), nil
}

// Exec runs cmd inside a running container and returns its exit status and
// combined output.
func (c *Client) Exec(ctx context.Context, id string, cmd []string, workdir string) (int, []string, error) {
	var created struct {
		ID string `json:"Id"`
	}
	payload := map[string]interface{}{
		"AttachStdout": true,
		"AttachStderr": true,
		"Cmd":          cmd,
	}
	if workdir != "" {
		payload["WorkingDir"] = workdir
	}
	if err := c.postJSON(ctx, "/containers/"+id+"/exec", payload, &created); err != nil {
		return 0, nil, fmt.Errorf("creating exec in %s: %w", shortID(id), err)
	}

	start, err := json.Marshal(map[string]bool{"Detach": false, "Tty": false})
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/exec/"+created.ID+"/start", "application/json", bytes.NewReader(start))
	if err != nil {
		return 0, nil, err
	}
	stdout, stderr, err := demux(resp.Body)
	resp.Body.Close()
	if err != nil {
		return 0, nil, fmt.Errorf("reading exec output in %s: %w", shortID(id), err)
	}

	var inspect struct {
		ExitCode int `json:"ExitCode"`
	}
	iresp, err := c.do(ctx, http.MethodGet, "/exec/"+created.ID+"/json", "", nil)
	if err != nil {
		return 0, nil, err
	}
	defer iresp.Body.Close()
	if err := json.NewDecoder(iresp.Body).Decode(&inspect); err != nil {
		return 0, nil, err
	}
	return inspect.ExitCode, splitLines(append(stdout, stderr...)), nil
}

// Remove deletes a container. Removal runs on every exit path of a
// build-then-run sequence, so force skips the stopped-state check.
func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	path := "/containers/" + id
	if force {
		path += "?force=1"
	}
	resp, err := c.do(ctx, http.MethodDelete, path, "", nil)
	if err != nil {
		return fmt.Errorf("removing container %s: %w", shortID(id), err)
	}
	resp.Body.Close()
	return nil
}

func splitRef(ref string) (image, tag string) {
	if i := strings.LastIndex(ref, ":"); i > 0 && !strings.Contains(ref[i:], "/") {
		return ref[:i], ref[i+1:]
	}
	return ref, "latest"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func splitLines(raw []byte) []string {
	s := string(raw)
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
