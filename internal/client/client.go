// Package client is the composition root: it owns the one TabController,
// ControlSession, FileTransferEngine, WorkerHost, and CacheStore the process
// runs, dials the control and file streams, and opens per-panel streams on
// demand. Components are constructor-injected collaborators, never package
// globals, so each can be exercised in isolation.
package client

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/teamchong/termweb-sub002/internal/cache"
	"github.com/teamchong/termweb-sub002/internal/commandbus"
	"github.com/teamchong/termweb-sub002/internal/config"
	"github.com/teamchong/termweb-sub002/internal/control"
	"github.com/teamchong/termweb-sub002/internal/frame"
	"github.com/teamchong/termweb-sub002/internal/logging"
	"github.com/teamchong/termweb-sub002/internal/panel"
	"github.com/teamchong/termweb-sub002/internal/tabs"
	"github.com/teamchong/termweb-sub002/internal/transfer"
	"github.com/teamchong/termweb-sub002/internal/worker"
)

// fileReconnectBackoff caps file-stream redial attempts at one per second,
// the same policy the control stream uses.
const fileReconnectBackoff = time.Second

// Options configures a Client.
type Options struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL string
	// Token is the opaque bearer credential appended to every sub-resource URL.
	Token string
	// StateDir roots the persisted on-device layout: termweb-cache,
	// termweb-temp, and the checksum index all live under it.
	StateDir string
	// BandwidthLimit caps upload pacing in bytes/second; zero means unlimited.
	BandwidthLimit float64
}

// Client wires the process singletons together and runs the two persistent
// streams.
type Client struct {
	opts Options
	cfg  config.Config

	Controller *tabs.Controller
	Control    *control.Session
	Engine     *transfer.Engine
	Worker     *worker.Host
	Cache      *cache.Store
	Bus        *commandbus.Bus

	checksums *cache.ChecksumCache
	codec     *frame.ZstdCodec

	mu     sync.Mutex
	panels map[string]*panelEntry
}

// panelEntry tracks one open panel stream and, once bound, its server id.
type panelEntry struct {
	sess     *panel.Session
	serverID *uint32
}

// New builds a Client and its component graph. Nothing dials until Run.
func New(opts Options, source transfer.UploadSource) (*Client, error) {
	store := cache.New(filepath.Join(opts.StateDir, "termweb-cache"))
	checksums, err := cache.OpenChecksumCache(filepath.Join(opts.StateDir, "termweb-checksums.db"))
	if err != nil {
		// The index is derived data; run without it rather than failing startup.
		logging.Errorf(nil, "client: checksum index unavailable: %v", err)
		checksums = nil
	}
	w, err := worker.New(filepath.Join(opts.StateDir, "termweb-temp"), store, checksums)
	if err != nil {
		return nil, err
	}
	codec, err := frame.NewZstdCodec()
	if err != nil {
		w.Close()
		return nil, err
	}

	engine := transfer.New(w, store, source)
	engine.SetBandwidthLimit(opts.BandwidthLimit)

	c := &Client{
		opts:      opts,
		Worker:    w,
		Cache:     store,
		Engine:    engine,
		checksums: checksums,
		codec:     codec,
		panels:    make(map[string]*panelEntry),
	}

	c.Control = control.NewSession(&wsDialer{url: c.streamURL("/ws/control")})
	c.Controller = tabs.NewController(c.Control)
	c.Bus = commandbus.New(c.Controller, c.Control)
	c.wireControl()
	return c, nil
}

// streamURL derives a tokenized websocket URL from the http(s) base.
func (c *Client) streamURL(path string) string {
	base := strings.TrimSuffix(c.opts.ServerURL, "/")
	u, err := url.Parse(base)
	if err == nil {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		base = u.String()
	}
	return config.WithToken(base+path, c.opts.Token)
}

// wireControl routes inbound control events into the controller and the
// per-panel metadata they target.
func (c *Client) wireControl() {
	c.Control.OnLayoutUpdate = c.Controller.Reconcile
	c.Control.OnPanelClosed = func(serverID uint32) {
		c.Controller.ClosePanelByServerID(serverID)
		c.closePanelSession(serverID)
	}
	c.Control.OnPanelTitle = c.Controller.SetPanelTitle
	c.Control.OnPanelPwd = c.Controller.SetPanelPwd
	c.Bus.OnOverviewChanged = func(open bool) {
		if err := c.Control.SetOverviewOpen(open); err != nil {
			logging.Debugf(nil, "client: set_overview_open failed: %v", err)
		}
	}
	c.Control.OnClipboard = func(text string) {
		logging.Debugf(nil, "client: clipboard received (%d bytes)", len(text))
	}
	c.Control.OnAuthState = func(authed bool) {
		if !authed {
			logging.Errorf(nil, "client: server reports unauthenticated")
		}
	}
}

// Run fetches /config, connects the control stream, and drives the file
// stream (with reconnect) until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	cfg, err := config.Fetch(ctx, http.DefaultClient, c.opts.ServerURL, c.opts.Token)
	if err != nil {
		return errors.Wrap(err, "client: load config")
	}
	c.cfg = cfg

	if err := c.Control.Connect(ctx); err != nil {
		return errors.Wrap(err, "client: connect control stream")
	}
	go c.fileLoop(ctx)
	<-ctx.Done()
	return nil
}

// Config returns the loaded /config document.
func (c *Client) Config() config.Config { return c.cfg }

// fileLoop owns the file stream: dial, pump messages into the engine, and
// on loss interrupt uploads, fail downloads, and redial with backoff.
func (c *Client) fileLoop(ctx context.Context) {
	backoff := 50 * time.Millisecond
	for {
		t, err := dialWS(ctx, c.streamURL("/ws/file"))
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = 50 * time.Millisecond
		c.Engine.SetTransport(t)
		c.Engine.HandleReconnect()

		for {
			msg, err := t.Receive()
			if err != nil {
				logging.Errorf(nil, "client: file stream closed: %v", err)
				c.Engine.HandleDisconnect()
				break
			}
			if err := c.Engine.Dispatch(msg); err != nil {
				logging.Errorf(nil, "client: file message dropped: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > fileReconnectBackoff {
		return fileReconnectBackoff
	}
	return next
}

// OpenPanel dials a panel stream and starts its frame pump. serverID nil
// opens a brand-new panel (CreatePanel); non-nil reattaches (ConnectPanel).
// The presenter receives reconstructed frames; a real one drives the GPU
// pipeline, tests inject a recorder.
func (c *Client) OpenPanel(ctx context.Context, localID string, serverID *uint32, width, height uint16, scale float32, presenter frame.Presenter) (*panel.Session, error) {
	t, err := dialWS(ctx, c.streamURL("/ws/panel"))
	if err != nil {
		return nil, errors.Wrap(err, "client: dial panel stream")
	}
	dec := frame.New(c.codec, presenter)
	sess := panel.NewSession(t, dec)
	dec.RequestKeyframe = func() {
		if err := sess.RequestKeyframe(); err != nil {
			logging.Debugf(localID, "client: keyframe request failed: %v", err)
		}
	}
	sess.OnResize = func(w, h int) {
		if serverID != nil {
			if err := c.Control.ResizePanel(*serverID, uint16(w), uint16(h)); err != nil {
				logging.Debugf(localID, "client: resize_panel failed: %v", err)
			}
		}
	}

	if serverID != nil {
		err = sess.OpenConnect(*serverID)
	} else {
		err = sess.OpenCreate(width, height, scale)
	}
	if err != nil {
		t.Close()
		return nil, err
	}

	c.mu.Lock()
	c.panels[localID] = &panelEntry{sess: sess, serverID: serverID}
	c.mu.Unlock()

	go func() {
		for {
			msg, err := t.Receive()
			if err != nil {
				logging.Debugf(localID, "client: panel stream closed: %v", err)
				sess.Close()
				c.mu.Lock()
				delete(c.panels, localID)
				c.mu.Unlock()
				return
			}
			sess.MarkStreaming()
			if err := sess.HandleFrame(msg); err != nil {
				logging.Errorf(localID, "client: frame dropped: %v", err)
			}
		}
	}()
	return sess, nil
}

// BindPanelStream records the server id assigned to a locally created panel
// stream, so a later panel_closed can find it.
func (c *Client) BindPanelStream(localID string, serverID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.panels[localID]; ok {
		e.serverID = &serverID
	}
}

func (c *Client) closePanelSession(serverID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.panels {
		if e.serverID != nil && *e.serverID == serverID {
			e.sess.Close()
			delete(c.panels, id)
			return
		}
	}
}

// Close releases every owned resource. Run must have returned.
func (c *Client) Close() {
	c.mu.Lock()
	for _, e := range c.panels {
		e.sess.Close()
	}
	c.panels = make(map[string]*panelEntry)
	c.mu.Unlock()
	c.codec.Close()
	c.Worker.Close()
	if c.checksums != nil {
		c.checksums.Close()
	}
}
