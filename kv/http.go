package kv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bartke/frost-rendezvous/arid"
)

// HTTPStore talks to a rendezvous server exposing slots at
// <base>/slots/<arid-hex>. PUT writes once (409 means the slot was already
// written), GET returns 404 until the slot is written.
type HTTPStore struct {
	base   string
	client *http.Client
	poll   time.Duration
	log    *zap.Logger
}

// NewHTTPStore builds a store for the given base URL. A nil logger
// disables logging.
func NewHTTPStore(base string, client *http.Client, log *zap.Logger) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPStore{
		base:   strings.TrimRight(base, "/"),
		client: client,
		poll:   DefaultPollInterval,
		log:    log,
	}
}

func (h *HTTPStore) url(id arid.ARID) string {
	return h.base + "/slots/" + id.String()
}

func (h *HTTPStore) Put(ctx context.Context, id arid.ARID, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.url(id), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	reqID := uuid.NewString()
	req.Header.Set("X-Request-Id", reqID)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("kv: put %s: %w", id.Short(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusNoContent:
		h.log.Debug("slot written", zap.String("arid", id.Short()), zap.String("request_id", reqID))
		return nil
	case http.StatusConflict:
		return ErrSlotWritten
	default:
		return fmt.Errorf("kv: put %s: unexpected status %s", id.Short(), resp.Status)
	}
}

func (h *HTTPStore) Get(ctx context.Context, id arid.ARID) ([]byte, bool, error) {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		data, found, err := h.getOnce(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if found {
			return data, true, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if deadline, derr := expired(ctx); deadline {
				return nil, false, nil
			} else {
				return nil, false, derr
			}
		}
	}
}

func (h *HTTPStore) getOnce(ctx context.Context, id arid.ARID) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(id), nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// the poll deadline is handled by the caller
		if ctx.Err() != nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv: get %s: %w", id.Short(), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("kv: get %s: %w", id.Short(), err)
		}
		return data, true, nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("kv: get %s: unexpected status %s", id.Short(), resp.Status)
	}
}

// Handler serves the rendezvous slot protocol over any backing Store, so a
// host can expose an in-memory or filesystem store to remote participants.
func Handler(store Store, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/slots/", func(w http.ResponseWriter, r *http.Request) {
		idHex := strings.TrimPrefix(r.URL.Path, "/slots/")
		id, err := arid.Parse(idHex)
		if err != nil {
			http.Error(w, "bad slot id", http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodPut:
			data, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "read body", http.StatusBadRequest)
				return
			}
			if err := store.Put(r.Context(), id, data); err != nil {
				if err == ErrSlotWritten {
					http.Error(w, "slot already written", http.StatusConflict)
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			log.Debug("slot stored", zap.String("arid", id.Short()), zap.Int("bytes", len(data)),
				zap.String("request_id", r.Header.Get("X-Request-Id")))
			w.WriteHeader(http.StatusCreated)

		case http.MethodGet:
			// non-blocking read: the client polls
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Millisecond)
			defer cancel()
			data, ok, err := store.Get(ctx, id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(data)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}
