package p2p

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	framePath   = "/p2p/frame"
	requestPath = "/p2p/request"

	headerPeerID    = "X-Peer-Id"
	headerPeerAddr  = "X-Peer-Addr"
	headerPeerRelay = "X-Peer-Relay"

	maxFrameSize = 4 << 20
)

// HTTPPeer is a statically configured peer, written as <peer id>@<url>.
type HTTPPeer struct {
	ID    PeerID
	URL   string
	Relay bool
}

func ParseHTTPPeer(s string, relay bool) (HTTPPeer, error) {
	id, url, ok := strings.Cut(s, "@")
	if !ok || id == "" || url == "" {
		return HTTPPeer{}, fmt.Errorf("peer %q is not of the form <id>@<url>", s)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return HTTPPeer{ID: PeerID(id), URL: strings.TrimSuffix(url, "/"), Relay: relay}, nil
}

type HTTPWireConfig struct {
	ID         PeerID
	ListenAddr string
	// AdvertiseURL is announced to peers so they can dial back.
	AdvertiseURL string
	Relay        bool
	Peers        []HTTPPeer
	Option       *HTTPOption
	Logger       *zap.Logger
}

// HTTPWire exchanges frames as POST requests. Inbound peers that advertise
// an url are added to the peer set.
type HTTPWire struct {
	cfg        HTTPWireConfig
	httpClient *retryablehttp.Client
	server     *http.Server
	listener   net.Listener
	logger     *zap.Logger

	mu    sync.RWMutex
	peers map[PeerID]HTTPPeer
}

var _ Wire = (*HTTPWire)(nil)

func NewHTTPWire(cfg HTTPWireConfig) *HTTPWire {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	w := &HTTPWire{
		cfg:        cfg,
		httpClient: defaultHttpClient(),
		logger:     cfg.Logger,
		peers:      map[PeerID]HTTPPeer{},
	}
	if cfg.Option != nil {
		setHttpClientOption(w.httpClient, cfg.Option)
	}
	w.httpClient.Logger = &LogWrapper{logger: cfg.Logger}
	for _, p := range cfg.Peers {
		w.peers[p.ID] = p
	}
	return w
}

// Addr is the address the server listens on, valid after Start.
func (w *HTTPWire) Addr() string {
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

func (w *HTTPWire) Start(ctx context.Context, handler WireHandler) error {
	listener, err := net.Listen("tcp", w.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	w.listener = listener
	w.server = &http.Server{
		Handler:           w.Handler(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := w.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			w.logger.Error("http wire stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = w.Close()
	}()
	return nil
}

// Handler serves the wire endpoints, exposed for tests and embedding.
func (w *HTTPWire) Handler(handler WireHandler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(framePath, func(rw http.ResponseWriter, r *http.Request) {
		from, body, ok := w.readInbound(rw, r)
		if !ok {
			return
		}
		handler.HandleFrame(from, r.RemoteAddr, body)
		rw.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc(requestPath, func(rw http.ResponseWriter, r *http.Request) {
		from, body, ok := w.readInbound(rw, r)
		if !ok {
			return
		}
		resp, err := handler.HandleRequestFrame(r.Context(), from, r.RemoteAddr, body)
		switch {
		case err != nil:
			http.Error(rw, err.Error(), http.StatusInternalServerError)
		case resp == nil:
			rw.WriteHeader(http.StatusNoContent)
		default:
			rw.Header().Set("Content-Type", "application/octet-stream")
			_, _ = rw.Write(resp)
		}
	})
	return mux
}

func (w *HTTPWire) readInbound(rw http.ResponseWriter, r *http.Request) (PeerID, []byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return "", nil, false
	}
	from := PeerID(r.Header.Get(headerPeerID))
	if from == "" {
		http.Error(rw, "missing "+headerPeerID, http.StatusBadRequest)
		return "", nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return "", nil, false
	}
	if url := r.Header.Get(headerPeerAddr); url != "" {
		relay, _ := strconv.ParseBool(r.Header.Get(headerPeerRelay))
		w.learn(HTTPPeer{ID: from, URL: url, Relay: relay})
	}
	return from, body, true
}

func (w *HTTPWire) learn(p HTTPPeer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.peers[p.ID]; ok {
		return
	}
	w.logger.Info("learned peer", zap.String("peer", string(p.ID)), zap.String("url", p.URL))
	w.peers[p.ID] = p
}

func (w *HTTPWire) Peers() []PeerInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	peers := make([]PeerInfo, 0, len(w.peers))
	for _, p := range w.peers {
		peers = append(peers, PeerInfo{ID: p.ID, Addr: hostOfURL(p.URL), Relay: p.Relay})
	}
	return peers
}

func hostOfURL(url string) string {
	url = strings.TrimPrefix(strings.TrimPrefix(url, "http://"), "https://")
	host, _, _ := strings.Cut(url, "/")
	return host
}

func (w *HTTPWire) Send(ctx context.Context, to PeerID, frame []byte) error {
	_, err := w.post(ctx, to, framePath, frame)
	return err
}

func (w *HTTPWire) Request(ctx context.Context, to PeerID, frame []byte) ([]byte, error) {
	return w.post(ctx, to, requestPath, frame)
}

func (w *HTTPWire) post(ctx context.Context, to PeerID, path string, body []byte) ([]byte, error) {
	w.mu.RLock()
	peer, ok := w.peers[to]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, peer.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerPeerID, string(w.cfg.ID))
	if w.cfg.AdvertiseURL != "" {
		req.Header.Set(headerPeerAddr, w.cfg.AdvertiseURL)
		req.Header.Set(headerPeerRelay, strconv.FormatBool(w.cfg.Relay))
	}
	res, err := w.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrPeerUnreachable, err.Error())
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusNoContent, http.StatusAccepted:
		return nil, nil
	case http.StatusOK:
		return io.ReadAll(io.LimitReader(res.Body, maxFrameSize))
	default:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, errors.Errorf("peer %s answered %d: %s", to, res.StatusCode, strings.TrimSpace(string(msg)))
	}
}

func (w *HTTPWire) Close() error {
	if w.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.server.Shutdown(ctx)
}
