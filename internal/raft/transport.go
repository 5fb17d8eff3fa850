package raft

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// maxMessageSize caps an incoming peer message body.
const maxMessageSize = 8 << 20

// HTTPTransport posts raft messages to peers at <url>/raft.
type HTTPTransport struct {
	mu     sync.RWMutex
	peers  map[uint64]string // ID -> URL (http://ip:port)
	client *http.Client
	logger *slog.Logger
}

// NewHTTPTransport returns a transport with no peers.
func NewHTTPTransport(logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		peers:  make(map[uint64]string),
		client: &http.Client{Timeout: 500 * time.Millisecond},
		logger: logger,
	}
}

// AddPeer registers or replaces one peer address.
func (t *HTTPTransport) AddPeer(id uint64, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = url
}

// SetPeers replaces the peer table.
func (t *HTTPTransport) SetPeers(peers map[uint64]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[uint64]string, len(peers))
	for id, url := range peers {
		t.peers[id] = url
	}
}

// Send delivers messages asynchronously so a slow peer never blocks the raft loop.
func (t *HTTPTransport) Send(msgs []raftpb.Message) {
	for _, msg := range msgs {
		t.mu.RLock()
		url, ok := t.peers[msg.To]
		t.mu.RUnlock()
		if !ok {
			continue
		}

		data, err := msg.Marshal()
		if err != nil {
			t.logger.Warn("marshal raft message", "to", msg.To, "error", err)
			continue
		}

		go t.post(msg.To, url, data)
	}
}

func (t *HTTPTransport) post(to uint64, url string, data []byte) {
	if !strings.HasSuffix(url, "/raft") {
		url = strings.TrimSuffix(url, "/") + "/raft"
	}
	resp, err := t.client.Post(url, "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		t.logger.Debug("send raft message", "to", to, "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// Handler returns an http.Handler that passes requests to the Node.
func (t *HTTPTransport) Handler(node *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var msg raftpb.Message
		if err := msg.Unmarshal(data); err != nil {
			http.Error(w, "invalid protobuf", http.StatusBadRequest)
			return
		}

		if err := node.Step(r.Context(), msg); err != nil {
			t.logger.Warn("raft step", "from", msg.From, "error", err)
			http.Error(w, "step failed", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
