package directory

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/btcsuite/btclog"
)

var log = btclog.Disabled

// UseLogger sets the logger used by this package, following the
// package-level logger convention the rest of this module uses.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// pushRequest is the body of a POST /addresses push from a Maker.
type pushRequest struct {
	Address       string `cbor:"address"`
	FidelityProof []byte `cbor:"fidelity_proof"`
}

// listResponse is the body of a GET /addresses response to a Taker.
type listResponse struct {
	Tuples []Tuple `cbor:"tuples"`
}

// Server answers GET/POST /addresses over plain HTTP, storing pushes in a
// Store and serving the current address set back out.
type Server struct {
	store *Store
	srv   *http.Server
}

// NewServer builds a Server listening on addr, backed by store.
func NewServer(addr string, store *Store) *Server {
	s := &Server{store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("/addresses", s.handleAddresses)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Serve blocks accepting connections on lis until the server is shut down.
func (s *Server) Serve(lis net.Listener) error {
	err := s.srv.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe is a convenience wrapper that binds s.srv.Addr itself.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	return s.srv.Close()
}

func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePush(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var req pushRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		http.Error(w, "decode body", http.StatusBadRequest)
		return
	}
	if req.Address == "" {
		http.Error(w, "missing address", http.StatusBadRequest)
		return
	}

	if err := s.store.Put(req.Address, req.FidelityProof, time.Now()); err != nil {
		log.Errorf("directory: store push from %s: %v", req.Address, err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	log.Debugf("directory: pushed %s", req.Address)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tuples, err := s.store.List()
	if err != nil {
		log.Errorf("directory: list: %v", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	raw, err := cbor.Marshal(listResponse{Tuples: tuples})
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	if _, err := w.Write(raw); err != nil {
		log.Errorf("directory: write list response: %v", err)
	}
}
