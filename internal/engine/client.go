// Package engine is a minimal client for the Docker Engine HTTP API over its
// unix socket, covering the image and container operations the replication
// pipeline needs.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/rs/zerolog"
)

// ErrDaemon marks the container engine being unreachable. Like losing the
// source host, it is fatal to the session.
var ErrDaemon = errors.New("container engine unreachable")

const apiVersion = "v1.41"

// Client talks to the Docker daemon over a unix socket.
type Client struct {
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds a client for the daemon socket (usually
// /var/run/docker.sock).
func NewClient(socketPath string, log zerolog.Logger) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		log:        log,
	}
}

// Ping checks that the daemon is up.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/_ping", "", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do issues a request and maps daemon/API errors onto useful messages.
// Callers own the response body.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	url := "http://docker/" + apiVersion + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrDaemon, method, path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, raw)
	}
	return resp, nil
}

// postJSON sends a JSON body and decodes the JSON response into result.
func (c *Client) postJSON(ctx context.Context, path string, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	resp, err := c.do(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if result == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining for connection reuse
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// drainStream consumes a progress stream of JSON lines, failing if the daemon
// reports an error event mid-stream (build and pull report failures this way
// with HTTP 200).
func drainStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(scanner.Bytes(), &event) == nil && event.Error != "" {
			return errors.New(event.Error)
		}
	}
	return scanner.Err()
}

// demux splits Docker's multiplexed stdout/stderr stream. Each frame carries
// an 8-byte header: stream type, three zero bytes, and a big-endian payload
// size. A stream from a TTY container has no framing and is returned as-is.
func demux(r io.Reader) (stdout, stderr []byte, err error) {
	br := bufio.NewReader(r)
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return stdout, stderr, nil
			}
			return stdout, stderr, err
		}
		if header[0] > 2 || header[1] != 0 || header[2] != 0 || header[3] != 0 {
			// Unframed stream: what we read so far plus the rest is stdout.
			rest, err := io.ReadAll(br)
			if err != nil {
				return nil, nil, err
			}
			return append(append(stdout, header...), rest...), stderr, nil
		}
		size := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return stdout, stderr, err
		}
		if header[0] == 2 {
			stderr = append(stderr, payload...)
		} else {
			stdout = append(stdout, payload...)
		}
	}
}
