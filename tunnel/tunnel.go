// Package tunnel relays traffic between the backend's rendezvous endpoint
// and a local egress path, giving remotely executed probes a way into
// networks they cannot otherwise reach.
package tunnel

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/synthgate/synthgate/api"
)

const (
	defaultLocalAddr        = "127.0.0.1:4510"
	defaultHandshakeTimeout = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second

	localReadBufferSize = 32 * 1024
)

type Config struct {
	// PresignedURL is the short-lived rendezvous endpoint minted by the API
	// for the exact set of tests about to run.
	PresignedURL string
	// LocalAddr is the local endpoint relayed traffic is delivered to.
	LocalAddr string
	// ProxyURL forces the rendezvous dial through an egress proxy. When nil
	// the usual environment proxy settings apply.
	ProxyURL         *url.URL
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Log              log.Logger
}

// Tunnel is a single relay session. Start dials the rendezvous, completes
// the handshake and pumps bytes both ways until Stop or either leg drops.
type Tunnel struct {
	cfg Config
	log log.Logger

	mu      sync.Mutex
	remote  *websocket.Conn
	local   net.Conn
	info    *api.TunnelInfo
	started bool

	remoteWriteMu sync.Mutex

	errC      chan error
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config) (*Tunnel, error) {
	if cfg.PresignedURL == "" {
		return nil, errors.New("tunnel: a presigned URL is required")
	}
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = defaultLocalAddr
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Tunnel{
		cfg:  cfg,
		log:  cfg.Log,
		errC: make(chan error, 2),
		done: make(chan struct{}),
	}, nil
}

// Start dials the rendezvous endpoint, reads the tunnel grant and connects
// the local leg, then leaves the relay pumping in the background. It fails
// with a ConnectionError when any part of the handshake cannot complete.
func (t *Tunnel) Start(ctx context.Context) (*api.TunnelInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil, errors.New("tunnel: already started")
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if t.cfg.ProxyURL != nil {
		dialer.Proxy = http.ProxyURL(t.cfg.ProxyURL)
	}

	remote, res, err := dialer.DialContext(ctx, t.cfg.PresignedURL, nil)
	if err != nil {
		if res != nil {
			res.Body.Close()
			return nil, NewConnectionError(errors.Wrapf(err, "rendezvous dial failed with status %d", res.StatusCode))
		}
		return nil, NewConnectionError(errors.Wrap(err, "rendezvous dial failed"))
	}

	var grant api.TunnelInfo
	_ = remote.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	if err := remote.ReadJSON(&grant); err != nil {
		remote.Close()
		return nil, NewConnectionError(errors.Wrap(err, "rendezvous handshake failed"))
	}
	if grant.Host == "" || grant.ID == "" {
		remote.Close()
		return nil, NewConnectionError(errors.Errorf("rendezvous handshake returned an incomplete grant (host %q, id %q)", grant.Host, grant.ID))
	}
	_ = remote.SetReadDeadline(time.Time{})

	local, err := net.DialTimeout("tcp", t.cfg.LocalAddr, t.cfg.HandshakeTimeout)
	if err != nil {
		remote.Close()
		return nil, NewConnectionError(errors.Wrapf(err, "dial local endpoint %s", t.cfg.LocalAddr))
	}

	t.remote = remote
	t.local = local
	t.info = &grant
	t.started = true

	t.wg.Add(3)
	go t.remotePump()
	go t.localPump()
	go t.supervise()

	t.log.Info("Tunnel established",
		"host", grant.Host,
		"tunnel_id", grant.ID,
		"local_addr", t.cfg.LocalAddr)
	return t.info, nil
}

// Stop tears the relay down. It is idempotent and safe to call even if
// Start never ran or the connection already dropped; once it returns no
// background work remains.
func (t *Tunnel) Stop() error {
	t.stopOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		started := t.started
		t.mu.Unlock()
		t.closeConns(nil)
		if started {
			t.wg.Wait()
			t.log.Info("Tunnel stopped")
		}
	})
	return nil
}

func (t *Tunnel) remotePump() {
	defer t.wg.Done()
	for {
		msgType, msg, err := t.remote.ReadMessage()
		if err != nil {
			t.errC <- errors.Wrap(err, "remote read")
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if _, err := t.local.Write(msg); err != nil {
			t.errC <- errors.Wrap(err, "local write")
			return
		}
	}
}

func (t *Tunnel) localPump() {
	defer t.wg.Done()
	buf := make([]byte, localReadBufferSize)
	for {
		n, err := t.local.Read(buf)
		if n > 0 {
			if werr := t.writeRemote(websocket.BinaryMessage, buf[:n]); werr != nil {
				t.errC <- errors.Wrap(werr, "remote write")
				return
			}
		}
		if err != nil {
			t.errC <- errors.Wrap(err, "local read")
			return
		}
	}
}

// supervise closes both legs as soon as either pump fails so the surviving
// pump cannot linger on a dead connection.
func (t *Tunnel) supervise() {
	defer t.wg.Done()
	select {
	case err := <-t.errC:
		select {
		case <-t.done:
		default:
			t.log.Warn("Tunnel relay dropped", "err", err)
		}
		t.closeConns(err)
	case <-t.done:
	}
}

func (t *Tunnel) closeConns(cause error) {
	t.closeOnce.Do(func() {
		if t.remote != nil {
			_ = t.writeRemote(websocket.CloseMessage, formatCloseMessage(cause))
			t.remote.Close()
		}
		if t.local != nil {
			t.local.Close()
		}
	})
}

func (t *Tunnel) writeRemote(msgType int, msg []byte) error {
	t.remoteWriteMu.Lock()
	defer t.remoteWriteMu.Unlock()
	if err := t.remote.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return err
	}
	return t.remote.WriteMessage(msgType, msg)
}

func formatCloseMessage(err error) []byte {
	if err == nil {
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tunnel stopped")
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseNoStatusReceived {
		return websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, err.Error())
}
