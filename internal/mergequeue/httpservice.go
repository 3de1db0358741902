package mergequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/queuestore"
)

// HTTPService exposes read-only views of the stored merge queues.
//
// <endpoint>            lists all queues in plain text.
// <endpoint><owner>/<repository>/<branch> returns one queue as JSON.
type HTTPService struct {
	store  *queuestore.Store
	logger *zap.Logger
}

func NewHTTPService(store *queuestore.Store) *HTTPService {
	return &HTTPService{
		store:  store,
		logger: zap.L().Named(loggerName).Named("http_service"),
	}
}

func (h *HTTPService) RegisterHandlers(mux *http.ServeMux, endpoint string) {
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	mux.HandleFunc(endpoint, func(resp http.ResponseWriter, req *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(req.URL.Path, endpoint), "/")
		if rest == "" {
			h.handlerList(resp, req)
			return
		}

		h.handlerQueue(resp, req, rest)
	})
}

func (h *HTTPService) handlerList(resp http.ResponseWriter, req *http.Request) {
	resp.Header().Add("Content-Type", "text/plain")

	branches, err := h.store.Branches(req.Context())
	if err != nil {
		h.logger.Info("listing stored queues failed", zap.Error(err))
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}

	if len(branches) == 0 {
		h.writeStr(resp, "no merge queues stored\n")
		return
	}

	var result strings.Builder

	for _, branch := range branches {
		candidates, err := h.snapshot(req.Context(), branch)
		if err != nil {
			h.logger.Info("reading queue snapshot failed", zap.Error(err))
			continue
		}

		result.WriteString(fmt.Sprintf("Base: %s\n", branch))

		for i, c := range candidates {
			result.WriteString(fmt.Sprintf(
				"\t#%-4d PR: %-4d\tWeight: %3d\tState: %s\tCI: %s\n",
				i, c.Number, c.Weight, c.MergeableState, c.CIState,
			))
		}
	}

	h.writeStr(resp, result.String())
}

func (h *HTTPService) handlerQueue(resp http.ResponseWriter, req *http.Request, path string) {
	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		http.Error(resp, "expected path: <owner>/<repository>/<branch>", http.StatusBadRequest)
		return
	}

	branch := queuestore.BranchKey{
		Owner:      parts[0],
		Repository: parts[1],
		Branch:     parts[2],
	}

	candidates, err := h.snapshot(req.Context(), branch)
	if err != nil {
		if errors.Is(err, queuestore.ErrNotFound) {
			http.Error(resp, "no queue stored for branch", http.StatusNotFound)
			return
		}

		h.logger.Info("reading queue snapshot failed", zap.Error(err))
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}

	resp.Header().Add("Content-Type", "application/json")

	if err := json.NewEncoder(resp).Encode(candidates); err != nil {
		h.logger.Info("sending http response failed", zap.Error(err))
	}
}

func (h *HTTPService) snapshot(ctx context.Context, branch queuestore.BranchKey) ([]*Candidate, error) {
	payload, err := h.store.Get(ctx, branch)
	if err != nil {
		return nil, err
	}

	var candidates []*Candidate
	if err := json.Unmarshal(payload, &candidates); err != nil {
		return nil, fmt.Errorf("unmarshaling queue snapshot failed: %w", err)
	}

	return candidates, nil
}

func (h *HTTPService) writeStr(resp http.ResponseWriter, str string) {
	if _, err := resp.Write([]byte(str)); err != nil {
		h.logger.Info("sending http response failed", zap.Error(err))
	}
}
