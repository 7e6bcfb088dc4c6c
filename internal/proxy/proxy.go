// Package proxy forwards chat traffic from the edge into a tenant's
// sandboxed agent server. Each proxy mode has its own failure policy:
// one cold-restart-and-retry for unary chat, none for an in-progress
// stream, bounded backoff for WebSocket upgrades.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/mavenhq/agenthost/internal/agentapi"
	"github.com/mavenhq/agenthost/internal/sandbox"
	"github.com/mavenhq/agenthost/internal/supervisor"
)

// wsBackoff is the delay before each WebSocket reconnect attempt after
// the first, sized to absorb sandbox wake-from-sleep latency.
var wsBackoff = []time.Duration{time.Second, 3 * time.Second, 8 * time.Second}

// Error is a fatal proxy failure, carrying whatever diagnostics were
// gathered during the restart attempt.
type Error struct {
	Path        string
	Attempts    int
	Diagnostics supervisor.Diagnostics
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("proxy %s failed after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError is a non-200 answer from a live agent server. A 4xx means
// the agent looked at the request and refused it; restarting the
// process would not change that answer.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.Code, e.Body)
}

// retryable reports whether a failure could plausibly be cured by a
// cold restart: transport errors and 5xx yes, 4xx no.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError
	}
	return true
}

// RestartFunc clears process-state assumptions and re-runs the full
// readiness bring-up. The controller supplies it so retries see fresh
// configuration as well as a fresh process.
type RestartFunc func(ctx context.Context) error

// Proxy forwards requests into one tenant's sandbox. Like the supervisor
// it is driven only by the owning controller goroutine.
type Proxy struct {
	handle  sandbox.Handle
	sup     *supervisor.Supervisor
	restart RestartFunc
	logger  *log.Logger

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a proxy over an established sandbox handle.
func New(handle sandbox.Handle, sup *supervisor.Supervisor, restart RestartFunc) *Proxy {
	return &Proxy{
		handle:  handle,
		sup:     sup,
		restart: restart,
		logger:  log.NewWithOptions(os.Stderr, log.Options{Prefix: "proxy"}),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Chat forwards a unary request. On failure the believed-running flag is
// cleared, one full cold restart runs, and the call is retried exactly
// once; a second failure is fatal.
func (p *Proxy) Chat(ctx context.Context, path string, payload []byte) ([]byte, error) {
	body, err := p.call(ctx, http.MethodPost, path, payload)
	if err == nil {
		return body, nil
	}
	if !retryable(err) {
		return nil, err
	}

	p.logger.Warn("chat call failed, forcing cold restart",
		"sandbox", p.handle.Name(), "path", path, "error", err)
	p.sup.MarkStopped()
	if restartErr := p.restart(ctx); restartErr != nil {
		return nil, &Error{Path: path, Attempts: 1, Diagnostics: p.sup.Diagnose(ctx), Err: restartErr}
	}

	body, err = p.call(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, &Error{Path: path, Attempts: 2, Diagnostics: p.sup.Diagnose(ctx), Err: err}
	}
	return body, nil
}

// Get forwards a unary GET (session listing and similar read paths). It
// shares Chat's restart-once policy.
func (p *Proxy) Get(ctx context.Context, path string) ([]byte, error) {
	body, err := p.call(ctx, http.MethodGet, path, nil)
	if err == nil {
		return body, nil
	}
	if !retryable(err) {
		return nil, err
	}

	p.sup.MarkStopped()
	if restartErr := p.restart(ctx); restartErr != nil {
		return nil, &Error{Path: path, Attempts: 1, Diagnostics: p.sup.Diagnose(ctx), Err: restartErr}
	}
	body, err = p.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &Error{Path: path, Attempts: 2, Diagnostics: p.sup.Diagnose(ctx), Err: err}
	}
	return body, nil
}

func (p *Proxy) call(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	header := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := p.handle.HTTPCall(ctx, method, path, agentapi.Port, payload, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: body}
	}
	return body, nil
}

// Stream forwards a streaming request and returns the raw body for the
// edge to relay unbuffered. No retry is attempted once the stream has
// been handed over: a stream that starts and then fails surfaces as a
// terminal stream error rather than risking duplicated partial output.
func (p *Proxy) Stream(ctx context.Context, path string, payload []byte) (io.ReadCloser, error) {
	header := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := p.handle.HTTPCall(ctx, http.MethodPost, path, agentapi.Port, payload, header)
	if err != nil {
		p.sup.MarkStopped()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		serr := &StatusError{Code: resp.StatusCode, Body: body}
		if retryable(serr) {
			p.sup.MarkStopped()
		}
		return nil, serr
	}
	return resp.Body, nil
}

// DialWS opens a WebSocket into the sandbox's agent server. Dialing
// retries up to three times with increasing delays; each retry clears
// process-state assumptions and re-runs the full bring-up. Exhausting
// all attempts returns ErrUnavailable so the edge can answer 503.
func (p *Proxy) DialWS(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < len(wsBackoff); attempt++ {
		if attempt > 0 {
			p.sup.MarkStopped()
			if err := p.restart(ctx); err != nil {
				lastErr = err
				continue
			}
		}
		conn, _, err := p.handle.WSConnect(ctx, agentapi.WSPath, agentapi.Port, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == len(wsBackoff)-1 {
			break
		}
		p.logger.Warn("websocket dial failed, backing off",
			"sandbox", p.handle.Name(), "attempt", attempt+1, "error", err)
		if err := p.sleep(ctx, wsBackoff[attempt]); err != nil {
			lastErr = err
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// ErrUnavailable means every WebSocket dial attempt failed.
var ErrUnavailable = errors.New("agent unavailable")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Tunnel upgrades the client connection and relays frames between it
// and an already-dialed agent connection until either side closes.
func Tunnel(w http.ResponseWriter, r *http.Request, agentConn *websocket.Conn) error {
	defer agentConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade client connection: %w", err)
	}
	defer clientConn.Close()

	return tunnel(clientConn, agentConn)
}

// tunnel relays frames in both directions until either side closes. A
// close simply ends the tunnel; the in-sandbox process is left alone.
func tunnel(client, agent *websocket.Conn) error {
	errCh := make(chan error, 2)
	go relay(client, agent, errCh)
	go relay(agent, client, errCh)

	err := <-errCh
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func relay(dst, src *websocket.Conn, errCh chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			dst.WriteMessage(websocket.CloseMessage, []byte{})
			errCh <- err
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errCh <- err
			return
		}
	}
}
