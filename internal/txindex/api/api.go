// Package api is the HTTP surface of the indexer.
//
//	POST /addresses                              {"address": "0x..", "token": "0x.."}
//	GET  /addresses/{address}/transfers?token=&live=
//	GET  /status
//	GET  /health
//
// Transfers are NDJSON, one model.Record per line. A live request that asks
// for a websocket upgrade gets the same records as JSON text messages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/indexer"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/stream"
)

const (
	defaultPingEvery  = 30 * time.Second
	writeTimeout      = 10 * time.Second
	maxRegisterBody   = 1 << 12
	kindError         = "error"
	headerContentType = "Content-Type"
	contentNDJSON     = "application/x-ndjson"
	contentJSON       = "application/json"
)

type Server struct {
	svc       indexer.Service
	log       *zap.SugaredLogger
	upgrader  websocket.Upgrader
	pingEvery time.Duration
}

type Option func(*Server)

func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingEvery = d }
}

func New(svc indexer.Service, log *zap.SugaredLogger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		svc:       svc,
		log:       log.Named("api"),
		pingEvery: defaultPingEvery,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// read-only public data
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/addresses", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/addresses/{address}/transfers", s.handleTransfers).Methods(http.MethodGet)
	return r
}

type registerRequest struct {
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

type errorBody struct {
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, errors.New("address is required"))
		return
	}

	err := s.svc.RegisterAddress(r.Context(), req.Address, req.Token)
	if err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			s.log.Warnw("register failed", "address", req.Address, "token", req.Token, "err", err)
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, indexer.ErrStaleTail):
		return http.StatusConflict
	case errors.Is(err, keys.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, indexer.ErrReplicaMode), errors.Is(err, indexer.ErrStopped), errors.Is(err, stream.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, stream.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	o := stream.Options{Token: q.Get("token")}
	if v := q.Get("live"); v != "" {
		live, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		o.Live = live
	}

	address := mux.Vars(r)["address"]
	st, err := s.svc.OpenStream(r.Context(), address, o)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	defer st.Close()

	if o.Live && websocket.IsWebSocketUpgrade(r) {
		s.serveWebsocket(w, r, st)
		return
	}
	s.serveNDJSON(w, st, o.Live)
}

func (s *Server) serveNDJSON(w http.ResponseWriter, st *stream.Stream, live bool) {
	w.Header().Set(headerContentType, contentNDJSON)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for rec := range st.Records() {
		if err := enc.Encode(rec); err != nil {
			// client went away
			return
		}
		// 历史记录攒着写，实时记录逐条 flush
		if flusher != nil && (live || rec.Kind != model.RecordTransfer) {
			flusher.Flush()
		}
	}
	if err := st.Err(); err != nil {
		_ = enc.Encode(errorBody{Kind: kindError, Error: err.Error()})
	}
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request, st *stream.Stream) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()
	s.log.Debugw("websocket stream opened", "remote", r.RemoteAddr)

	// the reader only notices the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case rec, ok := <-st.Records():
			if !ok {
				s.closeWebsocket(conn, st.Err())
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeWebsocket(conn *websocket.Conn, err error) {
	code, text := websocket.CloseNormalClosure, ""
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(errorBody{Kind: kindError, Error: err.Error()})
		code, text = websocket.CloseInternalServerErr, "stream failed"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Watermark(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(headerContentType, contentJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
