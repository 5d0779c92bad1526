// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

package conductor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	flag "github.com/spf13/pflag"

	"github.com/astriaorg/conductor/commitment"
	"github.com/astriaorg/conductor/executor"
)

type StatusServerConfig struct {
	Enable bool   `koanf:"enable"`
	Addr   string `koanf:"addr"`
	Port   uint64 `koanf:"port"`
}

var StatusServerConfigDefault = StatusServerConfig{
	Enable: false,
	Addr:   "127.0.0.1",
	Port:   2450,
}

func StatusServerAddOptions(prefix string, f *flag.FlagSet) {
	f.Bool(prefix+".enable", StatusServerConfigDefault.Enable, "serve conductor status over http")
	f.String(prefix+".addr", StatusServerConfigDefault.Addr, "status server listen address")
	f.Uint64(prefix+".port", StatusServerConfigDefault.Port, "status server listen port")
}

// StatusServer exposes the conductor's reconciliation state over plain
// HTTP for health checks and debugging.
type StatusServer struct {
	server     *http.Server
	addr       string
	executor   *executor.Executor
	store      *commitment.Store
	exitedChan chan interface{}
}

type statusResponse struct {
	Status                     string      `json:"status"`
	SoftNumber                 uint64      `json:"softNumber"`
	SoftHash                   common.Hash `json:"softHash"`
	FirmNumber                 uint64      `json:"firmNumber"`
	FirmHash                   common.Hash `json:"firmHash"`
	LowestCelestiaSearchHeight uint64      `json:"lowestCelestiaSearchHeight"`
	RollupStartBlockNumber     uint64      `json:"rollupStartBlockNumber"`
	RollupEndBlockNumber       uint64      `json:"rollupEndBlockNumber"`
	SequencerStartBlockHeight  uint64      `json:"sequencerStartBlockHeight"`
}

func NewStatusServer(config StatusServerConfig, exec *executor.Executor, store *commitment.Store) (*StatusServer, error) {
	s := &StatusServer{
		executor:   exec,
		store:      store,
		exitedChan: make(chan interface{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.serveHealth)
	mux.HandleFunc("/status", s.serveStatus)
	s.server = &http.Server{
		Addr:              net.JoinHostPort(config.Addr, fmt.Sprint(config.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, err
	}
	s.addr = listener.Addr().String()
	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server failed", "err", err)
		}
		close(s.exitedChan)
	}()
	log.Info("status server listening", "addr", listener.Addr())
	return s, nil
}

// Addr returns the bound listen address.
func (s *StatusServer) Addr() string {
	return s.addr
}

func (s *StatusServer) serveHealth(w http.ResponseWriter, r *http.Request) {
	if s.executor.Status() == executor.StatusHalted {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *StatusServer) serveStatus(w http.ResponseWriter, r *http.Request) {
	state := s.store.State()
	session := s.executor.Session()
	response := statusResponse{
		Status:                     s.executor.Status().String(),
		SoftNumber:                 state.Soft.Number,
		SoftHash:                   state.Soft.Hash,
		FirmNumber:                 state.Firm.Number,
		FirmHash:                   state.Firm.Hash,
		LowestCelestiaSearchHeight: state.LowestCelestiaSearchHeight,
		RollupStartBlockNumber:     session.RollupStartBlockNumber,
		RollupEndBlockNumber:       session.RollupEndBlockNumber,
		SequencerStartBlockHeight:  session.SequencerStartBlockHeight,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		log.Warn("failed to write status response", "err", err)
	}
}

func (s *StatusServer) StopAndWait() {
	if err := s.server.Close(); err != nil {
		log.Warn("error closing status server", "err", err)
	}
	<-s.exitedChan
}
